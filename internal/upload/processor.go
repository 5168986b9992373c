// Package upload implements the stage publishing trimmed artifacts to
// YouTube playlists.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hbomb79/Sideline/internal/event"
	"github.com/hbomb79/Sideline/internal/ntfy"
	"github.com/hbomb79/Sideline/internal/recording"
	"github.com/hbomb79/Sideline/internal/state"
	"github.com/hbomb79/Sideline/internal/task"
	"github.com/hbomb79/Sideline/internal/youtube"
	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("Upload")

type Config struct {
	// Playlists maps a lower-cased my_team_name to the playlist that
	// team's matches upload into.
	Playlists map[string]string
}

// PlaylistFor resolves a team's configured playlist, if any.
func (c Config) PlaylistFor(teamName string) (string, bool) {
	name, ok := c.Playlists[strings.ToLower(strings.TrimSpace(teamName))]
	return name, ok && name != ""
}

type Processor struct {
	config     Config
	provider   youtube.Provider
	uploader   youtube.Uploader
	stateStore *state.Store
	notifier   *ntfy.Notifier
	eventBus   event.EventDispatcher
}

// New constructs the upload stage. The provider is retried on every task
// until it yields an uploader, so credentials provisioned while the
// pipeline is running are picked up without a restart; until then tasks
// are logged and dropped rather than failed so the pipeline can run
// headless.
func New(config Config, provider youtube.Provider, stateStore *state.Store, notifier *ntfy.Notifier, eventBus event.EventDispatcher) *Processor {
	return &Processor{config: config, provider: provider, stateStore: stateStore, notifier: notifier, eventBus: eventBus}
}

func (p *Processor) ProcessTask(ctx context.Context, t task.Task) error {
	upload, ok := t.(task.UploadGroup)
	if !ok {
		return fmt.Errorf("upload stage received unsupported task type '%s'", t.Type())
	}

	if p.uploader == nil {
		uploader, err := p.provider(ctx)
		if errors.Is(err, youtube.ErrNoCredentials) {
			log.Warnf("No YouTube credentials provisioned, dropping upload for %s\n", upload.GroupDir)
			return nil
		} else if err != nil {
			return fmt.Errorf("cannot upload %s: %w", upload.GroupDir, err)
		}

		p.uploader = uploader
	}

	dir, err := p.stateStore.Read(upload.GroupDir)
	if err != nil {
		return err
	}
	if dir.Status == state.GroupUploaded {
		log.Debugf("Group %s is already uploaded, nothing to do\n", upload.GroupDir)
		return nil
	}

	info, err := state.LoadMatchInfo(upload.GroupDir)
	if err != nil {
		return fmt.Errorf("cannot upload %s: %w", upload.GroupDir, err)
	}

	groupStart, err := recording.ParseGroupDir(filepath.Base(upload.GroupDir))
	if err != nil {
		return err
	}

	artifactDir := filepath.Join(upload.GroupDir, info.ArtifactDirName(groupStart))
	rawPath := filepath.Join(artifactDir, info.RawArtifactName(groupStart))
	if _, err := os.Stat(rawPath); err != nil {
		return fmt.Errorf("cannot upload %s: trimmed artifact missing: %w", upload.GroupDir, err)
	}

	playlistName, ok := p.resolvePlaylist(ctx, upload.GroupDir, dir, info)
	if !ok {
		// A person has been asked to pick a playlist. The group stays
		// trimmed and the Auditor re-issues this upload later.
		return nil
	}

	playlistID, err := p.uploader.GetOrCreatePlaylist(ctx, playlistName)
	if err != nil {
		return fmt.Errorf("failed to resolve playlist '%s': %w", playlistName, err)
	}

	description := fmt.Sprintf("Recorded %s.", groupStart.Format("Monday, January 2 2006"))
	if _, err := p.uploader.UploadVideo(ctx, rawPath, info.Title(groupStart)+" - Raw", description, playlistID); err != nil {
		return fmt.Errorf("upload of %s failed: %w", rawPath, err)
	}

	// A processed sibling cut outside this pipeline rides along when
	// present.
	processedPath := filepath.Join(artifactDir, info.ProcessedArtifactName(groupStart))
	if stat, err := os.Stat(processedPath); err == nil && stat.Size() > 0 {
		if _, err := p.uploader.UploadVideo(ctx, processedPath, info.Title(groupStart), description, playlistID); err != nil {
			return fmt.Errorf("upload of %s failed: %w", processedPath, err)
		}
	}

	if err := p.stateStore.SetGroupStatus(upload.GroupDir, state.GroupUploaded); err != nil {
		return err
	}
	p.eventBus.Dispatch(event.GroupUpdate, upload.GroupDir)

	log.Emit(logger.SUCCESS, "Uploaded group %s to playlist '%s'\n", upload.GroupDir, playlistName)
	return nil
}

// resolvePlaylist picks the playlist for this group, preferring the name
// pinned in state.json, then the configured per-team mapping. When
// neither exists a prompt is published and the upload is deferred.
func (p *Processor) resolvePlaylist(ctx context.Context, groupDir string, dir *state.Directory, info *state.MatchInfo) (string, bool) {
	if dir.PlaylistName != "" {
		p.notifier.ClearPlaylistRequest(groupDir)
		return dir.PlaylistName, true
	}

	if name, ok := p.config.PlaylistFor(info.MyTeamName); ok {
		p.notifier.ClearPlaylistRequest(groupDir)
		if err := p.stateStore.SetPlaylistName(groupDir, name); err != nil {
			log.Warnf("Failed to pin playlist name for %s: %s\n", groupDir, err.Error())
		}
		return name, true
	}

	if err := p.notifier.RequestPlaylistName(ctx, groupDir, info.MyTeamName); err != nil {
		log.Errorf("Failed to request playlist name for %s: %s\n", groupDir, err.Error())
	}
	log.Infof("Upload of %s deferred until a playlist is chosen\n", groupDir)
	return "", false
}
