package logs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	arborlevels "github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/models"
)

// Consumer drains log batches from arbor's context channel and writes the
// canonical JSONL envelope: every event lands in <latest>/<service>.log, and
// events carrying a job_id field are mirrored into the job's own file.
// Redaction happens here, before anything reaches disk.
type Consumer struct {
	appender    *Appender
	logger      arbor.ILogger
	service     string
	serviceFile string
	jobDir      string
	channel     chan []arbormodels.LogEvent
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	minJobLevel arbor.LogLevel // Minimum level mirrored into per-job files
}

// NewConsumer creates a log consumer. latestDir is the rotated
// <log_root>/<service>/latest directory; jobDir is <volume_root>/logs/jobs.
func NewConsumer(logger arbor.ILogger, service, latestDir, jobDir, minJobLevel string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		appender:    NewAppender(),
		logger:      logger,
		service:     service,
		serviceFile: filepath.Join(latestDir, service+".log"),
		jobDir:      jobDir,
		channel:     make(chan []arbormodels.LogEvent, 10),
		ctx:         ctx,
		cancel:      cancel,
		minJobLevel: parseLogLevel(minJobLevel),
	}
}

// parseLogLevel converts string log level to arbor.LogLevel
func parseLogLevel(levelStr string) arbor.LogLevel {
	switch strings.ToLower(levelStr) {
	case "trace":
		return arbor.TraceLevel
	case "debug":
		return arbor.DebugLevel
	case "info":
		return arbor.InfoLevel
	case "warn", "warning":
		return arbor.WarnLevel
	case "error":
		return arbor.ErrorLevel
	default:
		return arbor.DebugLevel
	}
}

// normalizeLevel maps an emitted level name onto the envelope's level set
func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case "trace":
		return models.LogLevelTrace
	case "debug":
		return models.LogLevelDebug
	case "info":
		return models.LogLevelInfo
	case "warn", "warning":
		return models.LogLevelWarn
	case "error", "fatal", "panic":
		return models.LogLevelError
	default:
		return models.LogLevelInfo
	}
}

// JobLogPath returns <jobDir>/<jobID>.jsonl
func JobLogPath(jobDir, jobID string) string {
	return filepath.Join(jobDir, jobID+".jsonl")
}

// ServiceLogFile returns the canonical JSONL path this consumer writes
func (c *Consumer) ServiceLogFile() string {
	return c.serviceFile
}

// GetChannel returns the channel for arbor to send log batches to
func (c *Consumer) GetChannel() chan []arbormodels.LogEvent {
	return c.channel
}

// Start launches the consumer goroutine
func (c *Consumer) Start() error {
	c.wg.Add(1)
	go c.consume()
	return nil
}

// Stop drains and shuts down the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("Log consumer stopped")
	return nil
}

func (c *Consumer) consume() {
	defer c.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			// Log without structured fields so the panic report cannot
			// re-enter this consumer as a job-scoped event.
			c.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Log consumer panic recovered")
		}
	}()

	for {
		select {
		case batch, ok := <-c.channel:
			if !ok {
				return
			}
			c.writeBatch(batch)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) writeBatch(batch []arbormodels.LogEvent) {
	for _, event := range batch {
		entry, jobID := c.transformEvent(event)

		if err := c.appender.Append(c.serviceFile, entry); err != nil {
			fmt.Printf("Warning: failed to write service log: %v\n", err)
			continue
		}

		if jobID == "" {
			continue
		}
		if arborlevels.FromLogLevel(event.Level) < c.minJobLevel {
			continue
		}
		if err := c.appender.Append(JobLogPath(c.jobDir, jobID), entry); err != nil {
			fmt.Printf("Warning: failed to write job log for %s: %v\n", jobID, err)
		}
	}
}

// transformEvent converts an arbor event to the JSONL envelope, applying
// redaction to the message and every context value. The job_id field, when
// present, selects the per-job mirror file and stays in the context.
func (c *Consumer) transformEvent(event arbormodels.LogEvent) (models.LogEntry, string) {
	entry := models.LogEntry{
		TS:            event.Timestamp.UTC().Format(models.LogTimestampFormat),
		Level:         normalizeLevel(event.Level.String()),
		Service:       c.service,
		Logger:        "app",
		Msg:           common.RedactString(event.Message),
		CorrelationID: event.CorrelationID,
	}

	jobID := ""
	if len(event.Fields) > 0 {
		context := make(map[string]interface{}, len(event.Fields))
		for key, value := range event.Fields {
			switch key {
			case "event":
				entry.Event = fmt.Sprintf("%v", value)
			case "logger":
				entry.Logger = fmt.Sprintf("%v", value)
			default:
				if key == "job_id" {
					if s, ok := value.(string); ok {
						jobID = s
					}
				}
				context[key] = value
			}
		}
		if len(context) > 0 {
			entry.Context = common.RedactMap(context)
		}
	}
	return entry, jobID
}
