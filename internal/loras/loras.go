// Package loras locates trained model files on the volume. Each character
// owns <loras_root>/<character_id>/ holding versioned v<N>.safetensors files
// and an optional training_config.json sidecar describing the latest run.
package loras

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/ternarybob/effigo/internal/models"
)

// SidecarFilename is the per-character training metadata file
const SidecarFilename = "training_config.json"

var versionRe = regexp.MustCompile(`^v(\d+)\.safetensors$`)

// Version pairs a model file with its parsed version number
type Version struct {
	Path   string
	Number int
}

// Versions lists a character's model files sorted by version number
// ascending. Version numbers are compared numerically so v10 sorts after v9.
// A missing directory yields an empty slice, not an error.
func Versions(dir string) ([]Version, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lora directory: %w", err)
	}

	var versions []Version
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := versionRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		versions = append(versions, Version{
			Path:   filepath.Join(dir, entry.Name()),
			Number: n,
		})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Number < versions[j].Number })
	return versions, nil
}

// Latest returns the highest-numbered model file in dir, ok=false when the
// character has no trained model yet.
func Latest(dir string) (Version, bool) {
	versions, err := Versions(dir)
	if err != nil || len(versions) == 0 {
		return Version{}, false
	}
	return versions[len(versions)-1], true
}

// NextVersionPath returns where the next training run should write its model
// and the version number it will carry.
func NextVersionPath(dir string) (string, int) {
	versions, _ := Versions(dir)
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1].Number + 1
	}
	return filepath.Join(dir, fmt.Sprintf("v%d.safetensors", next)), next
}

// Scan walks the loras root and describes every trained model file, newest
// first. Used by the loras listing API.
func Scan(root string) ([]models.LoraInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.LoraInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read loras root: %w", err)
	}

	infos := []models.LoraInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		characterID := entry.Name()
		dir := filepath.Join(root, characterID)

		versions, err := Versions(dir)
		if err != nil {
			continue
		}
		_, hasConfig := sidecarStat(dir)

		for _, v := range versions {
			stat, err := os.Stat(v.Path)
			if err != nil {
				continue
			}
			infos = append(infos, models.LoraInfo{
				CharacterID: characterID,
				Version:     v.Number,
				Filename:    filepath.Base(v.Path),
				Path:        v.Path,
				SizeBytes:   stat.Size(),
				CreatedAt:   stat.ModTime().UTC(),
				HasConfig:   hasConfig,
			})
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}

func sidecarStat(dir string) (os.FileInfo, bool) {
	stat, err := os.Stat(filepath.Join(dir, SidecarFilename))
	if err != nil {
		return nil, false
	}
	return stat, true
}
