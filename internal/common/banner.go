package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and a startup summary
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Effigo", GetVersion())

	logger.Info().
		Str("mode", NormalizeMode(config.Mode)).
		Str("service", config.Server.Service).
		Str("storage", config.Storage.Type).
		Bool("queue", config.Queue.Enabled).
		Str("volume_root", config.VolumeRoot).
		Msg("Configuration loaded")
}
