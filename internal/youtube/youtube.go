// Package youtube wraps the YouTube Data API v3 for uploading trimmed
// match artifacts into per-team playlists.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("YouTube")

// ErrNoCredentials indicates the OAuth client secret or the cached user
// token is missing. Uploads are skipped, not failed, in this case.
var ErrNoCredentials = errors.New("youtube credentials are not configured")

const (
	clientSecretFileName = "client_secret.json"
	tokenFileName        = "token.json"
	defaultPrivacy       = "unlisted"
)

type Config struct {
	// CredentialsDir holds client_secret.json and the cached token.json.
	// Defaults to the youtube/ directory under the storage root.
	CredentialsDir string `ini:"credentials_dir" env:"YOUTUBE_CREDENTIALS_DIR"`
	PrivacyStatus  string `ini:"privacy_status" env:"YOUTUBE_PRIVACY_STATUS"`
}

func (c Config) privacy() string {
	if c.PrivacyStatus == "" {
		return defaultPrivacy
	}

	return c.PrivacyStatus
}

// Uploader is the narrow surface the upload stage depends on; tests
// substitute a fake.
type Uploader interface {
	GetOrCreatePlaylist(ctx context.Context, name string) (string, error)
	UploadVideo(ctx context.Context, path string, title string, description string, playlistID string) (string, error)
}

// Provider lazily constructs an Uploader. The upload stage invokes it
// again whenever credentials were absent, so an operator can drop the
// credential files in while the pipeline is running.
type Provider func(ctx context.Context) (Uploader, error)

type service struct {
	config Config
	client *yt.Service
}

// New constructs an authenticated YouTube client. ErrNoCredentials is
// returned when either credential file is absent; callers treat that as
// "uploads disabled" rather than a hard failure.
func New(ctx context.Context, config Config) (Uploader, error) {
	if strings.TrimSpace(config.CredentialsDir) == "" {
		return nil, ErrNoCredentials
	}

	secretPath := filepath.Join(config.CredentialsDir, clientSecretFileName)
	secret, err := os.ReadFile(secretPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", secretPath, err)
	}

	oauthConfig, err := google.ConfigFromJSON(secret, yt.YoutubeUploadScope, yt.YoutubeScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client secret: %w", err)
	}

	token, err := loadToken(filepath.Join(config.CredentialsDir, tokenFileName))
	if err != nil {
		return nil, err
	}

	client, err := yt.NewService(ctx, option.WithHTTPClient(oauthConfig.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create youtube service: %w", err)
	}

	return &service{config: config, client: client}, nil
}

// loadToken reads the cached OAuth user token. There is no interactive
// consent flow here; the token is provisioned out of band.
func loadToken(path string) (*oauth2.Token, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer file.Close()

	token := &oauth2.Token{}
	if err := json.NewDecoder(file).Decode(token); err != nil {
		return nil, fmt.Errorf("failed to decode cached token: %w", err)
	}

	return token, nil
}

// GetOrCreatePlaylist resolves a playlist by title, creating it when no
// playlist on the channel matches.
func (s *service) GetOrCreatePlaylist(ctx context.Context, name string) (string, error) {
	call := s.client.Playlists.List([]string{"snippet"}).Mine(true).MaxResults(50)
	pageToken := ""
	for {
		response, err := call.PageToken(pageToken).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("failed to list playlists: %w", err)
		}

		for _, playlist := range response.Items {
			if strings.EqualFold(playlist.Snippet.Title, name) {
				return playlist.Id, nil
			}
		}

		pageToken = response.NextPageToken
		if pageToken == "" {
			break
		}
	}

	created, err := s.client.Playlists.Insert([]string{"snippet", "status"}, &yt.Playlist{
		Snippet: &yt.PlaylistSnippet{Title: name},
		Status:  &yt.PlaylistStatus{PrivacyStatus: s.config.privacy()},
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create playlist '%s': %w", name, err)
	}

	log.Emit(logger.NEW, "Created playlist '%s' (%s)\n", name, created.Id)
	return created.Id, nil
}

// UploadVideo uploads one artifact and, when a playlist ID is given,
// inserts it into that playlist. Returns the new video ID.
func (s *service) UploadVideo(ctx context.Context, path string, title string, description string, playlistID string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	video := &yt.Video{
		Snippet: &yt.VideoSnippet{
			Title:       title,
			Description: description,
			CategoryId:  "17", // Sports
		},
		Status: &yt.VideoStatus{PrivacyStatus: s.config.privacy()},
	}

	uploaded, err := s.client.Videos.Insert([]string{"snippet", "status"}, video).
		Media(file).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}

	if playlistID != "" {
		_, err := s.client.PlaylistItems.Insert([]string{"snippet"}, &yt.PlaylistItem{
			Snippet: &yt.PlaylistItemSnippet{
				PlaylistId: playlistID,
				ResourceId: &yt.ResourceId{Kind: "youtube#video", VideoId: uploaded.Id},
			},
		}).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("uploaded %s but failed to add it to playlist: %w", uploaded.Id, err)
		}
	}

	log.Emit(logger.SUCCESS, "Uploaded %s as video %s\n", path, uploaded.Id)
	return uploaded.Id, nil
}
