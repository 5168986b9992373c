package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/ini.v1"

	"github.com/hbomb79/Sideline/internal/api"
	"github.com/hbomb79/Sideline/internal/auditor"
	"github.com/hbomb79/Sideline/internal/camera"
	"github.com/hbomb79/Sideline/internal/ffmpeg"
	"github.com/hbomb79/Sideline/internal/ntfy"
	"github.com/hbomb79/Sideline/internal/poller"
	"github.com/hbomb79/Sideline/internal/youtube"
)

const ConfigFileName = "config.ini"

var ErrNoConfigFile = errors.New("no config.ini found in any search location")

// SidelineConfig is the full user-supplied configuration, read from
// config.ini with environment variable overrides layered on top.
type SidelineConfig struct {
	StorageRoot string `ini:"storage_path" env:"STORAGE_PATH" validate:"required"`
	LogLevel    string `ini:"log_level" env:"LOG_LEVEL"`

	Camera  camera.Config  `env-prefix:""`
	Poller  poller.Config  `env-prefix:""`
	Ffmpeg  ffmpeg.Config  `env-prefix:""`
	Auditor auditor.Config `env-prefix:""`
	Ntfy    ntfy.Config    `env-prefix:""`
	YouTube youtube.Config `env-prefix:""`
	Api     api.RestConfig `env-prefix:""`

	// Playlists maps a lower-cased team name to the YouTube playlist its
	// matches upload into; populated from the [PLAYLISTS] section.
	Playlists map[string]string
}

// youtubeConfig applies the credential directory default: credential
// files live under youtube/ on the storage root unless configured
// elsewhere.
func (config SidelineConfig) youtubeConfig() youtube.Config {
	out := config.YouTube
	if out.CredentialsDir == "" {
		out.CredentialsDir = filepath.Join(config.StorageRoot, "youtube")
	}

	return out
}

// LoadFromFile reads the INI document at configPath, applies environment
// overrides and validates the result.
func (config *SidelineConfig) LoadFromFile(configPath string) error {
	file, err := ini.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", configPath, err)
	}

	sections := map[string]any{
		ini.DefaultSection: config,
		"CAMERA":           &config.Camera,
		"POLLER":           &config.Poller,
		"FFMPEG":           &config.Ffmpeg,
		"AUDITOR":          &config.Auditor,
		"NTFY":             &config.Ntfy,
		"YOUTUBE":          &config.YouTube,
		"API":              &config.Api,
	}
	for name, target := range sections {
		if section, err := file.GetSection(name); err == nil {
			if err := section.MapTo(target); err != nil {
				return fmt.Errorf("failed to map [%s] section of %s: %w", name, configPath, err)
			}
		}
	}

	config.Playlists = make(map[string]string)
	if section, err := file.GetSection("PLAYLISTS"); err == nil {
		for team, playlist := range section.KeysHash() {
			config.Playlists[strings.ToLower(strings.TrimSpace(team))] = playlist
		}
	}

	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	return nil
}

// FindConfigFile searches the conventional locations for a config.ini,
// returning the first hit: the working directory, the executable's
// directory, the working directory's parent, a ./sideline/ subdirectory
// and finally ~/.sideline/.
func FindConfigFile() (string, error) {
	candidates := make([]string, 0, 5)

	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates,
			filepath.Join(cwd, ConfigFileName),
			filepath.Join(filepath.Dir(cwd), ConfigFileName),
			filepath.Join(cwd, "sideline", ConfigFileName),
		)
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), ConfigFileName))
	}
	if home, err := homedir.Dir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".sideline", ConfigFileName))
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", ErrNoConfigFile
}
