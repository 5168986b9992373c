// Package ntfy publishes human-in-the-loop prompts to an ntfy.sh topic.
// The pipeline stalls politely when it needs information only a person
// has (playlist names, match details); this package is how it asks.
package ntfy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/hbomb79/Sideline/pkg/logger"
	internalsync "github.com/hbomb79/Sideline/pkg/sync"
)

var log = logger.Get("Ntfy")

// resendCooldown is how long a pending prompt suppresses repeats for the
// same group. The Auditor re-observes stalled groups every pass, so
// without this a person would be pinged once a minute.
const resendCooldown = time.Hour * 6

type Config struct {
	ServerURL string `ini:"server_url" env:"NTFY_SERVER_URL"`
	Topic     string `ini:"topic" env:"NTFY_TOPIC"`
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Topic) != ""
}

func (c Config) topicURL() string {
	server := strings.TrimRight(c.ServerURL, "/")
	if server == "" {
		server = "https://ntfy.sh"
	}

	return server + "/" + c.Topic
}

// Notifier posts prompts and remembers which groups already have one
// outstanding.
type Notifier struct {
	config  Config
	client  *http.Client
	pending internalsync.TypedSyncMap[string, time.Time]
}

func New(config Config) *Notifier {
	return &Notifier{
		config: config,
		client: &http.Client{Timeout: time.Second * 30},
	}
}

// Publish sends a message with an optional title and priority tag. A
// disabled notifier drops messages silently.
func (n *Notifier) Publish(ctx context.Context, title string, message string, priority string) error {
	if !n.config.Enabled() {
		log.Debugf("Notifier disabled, dropping message '%s'\n", title)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.topicURL(), strings.NewReader(message))
	if err != nil {
		return err
	}
	if title != "" {
		req.Header.Set("Title", title)
	}
	if priority != "" {
		req.Header.Set("Priority", priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy publish failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy publish failed: server responded %s", resp.Status)
	}

	return nil
}

// RequestPlaylistName asks a person to choose the playlist for a group
// whose team has no configured playlist mapping.
func (n *Notifier) RequestPlaylistName(ctx context.Context, groupDir string, teamName string) error {
	if !n.markPending(groupDir + ":playlist") {
		return nil
	}

	message := fmt.Sprintf("No playlist is configured for team '%s'. Add a playlist_name entry to %s in %s to release the upload.",
		teamName, "state.json", filepath.Base(groupDir))
	if err := n.Publish(ctx, "Upload needs a playlist", message, "high"); err != nil {
		n.clearPending(groupDir + ":playlist")
		return err
	}

	log.Infof("Requested playlist name for group %s\n", groupDir)
	return nil
}

// RequestMatchInfo asks a person to fill in the group's match_info.ini
// so trimming can proceed.
func (n *Notifier) RequestMatchInfo(ctx context.Context, groupDir string) error {
	if !n.markPending(groupDir + ":matchinfo") {
		return nil
	}

	message := fmt.Sprintf("Group %s is combined and waiting on match_info.ini (team names, location and start offset).", filepath.Base(groupDir))
	if err := n.Publish(ctx, "Recording needs match info", message, "default"); err != nil {
		n.clearPending(groupDir + ":matchinfo")
		return err
	}

	log.Infof("Requested match info for group %s\n", groupDir)
	return nil
}

// ClearPlaylistRequest forgets an outstanding playlist prompt, typically
// because the requested input has been observed.
func (n *Notifier) ClearPlaylistRequest(groupDir string) {
	n.clearPending(groupDir + ":playlist")
}

// ClearMatchInfoRequest forgets an outstanding match-info prompt.
func (n *Notifier) ClearMatchInfoRequest(groupDir string) {
	n.clearPending(groupDir + ":matchinfo")
}

// markPending records a prompt as outstanding, returning false when a
// recent prompt for the same key is still within its cooldown.
func (n *Notifier) markPending(key string) bool {
	if sentAt, ok := n.pending.Load(key); ok && time.Since(sentAt) < resendCooldown {
		return false
	}

	n.pending.Store(key, time.Now())
	return true
}

func (n *Notifier) clearPending(key string) {
	n.pending.Delete(key)
}
