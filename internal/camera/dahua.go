package camera

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hbomb79/Sideline/internal/recording"
	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("Dahua")

const (
	dahuaTimeLayout  = "2006-01-02 15:04:05"
	findFilePageSize = 100
)

// dahuaCamera speaks the Dahua HTTP CGI surface: magicBox for liveness,
// mediaFileFind for the recording index and RPC_Loadfile for transfers.
// Responses are the vendor's line-oriented key=value text format.
type dahuaCamera struct {
	config Config
	client *http.Client
}

func newDahuaCamera(config Config) *dahuaCamera {
	if config.Port == 0 {
		config.Port = 80
	}
	if config.Channel == 0 {
		config.Channel = 1
	}

	return &dahuaCamera{
		config: config,
		client: &http.Client{Timeout: time.Minute * 10},
	}
}

func (c *dahuaCamera) CheckAvailability(ctx context.Context) bool {
	shortCtx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	resp, err := c.get(shortCtx, "/cgi-bin/magicBox.cgi?action=getMachineName")
	if err != nil {
		log.Debugf("Availability check failed: %s\n", err.Error())
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (c *dahuaCamera) ListRecordings(ctx context.Context, since time.Time, until time.Time) ([]recording.Segment, error) {
	finder, err := c.createFinder(ctx)
	if err != nil {
		return nil, err
	}
	defer c.destroyFinder(ctx, finder)

	condition := url.Values{}
	condition.Set("action", "findFile")
	condition.Set("object", finder)
	condition.Set("condition.Channel", strconv.Itoa(c.config.Channel))
	condition.Set("condition.StartTime", since.Format(dahuaTimeLayout))
	condition.Set("condition.EndTime", until.Format(dahuaTimeLayout))
	condition.Set("condition.Types[0]", "dav")

	resp, err := c.get(ctx, "/cgi-bin/mediaFileFind.cgi?"+condition.Encode())
	if err != nil {
		return nil, fmt.Errorf("findFile request failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("findFile returned status %d", resp.StatusCode)
	}

	segments := make([]recording.Segment, 0)
	for {
		page, err := c.findNextPage(ctx, finder)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		segments = append(segments, page...)
		if len(page) < findFilePageSize {
			break
		}
	}

	return segments, nil
}

func (c *dahuaCamera) DownloadFile(ctx context.Context, remotePath string, localPath string) error {
	resp, err := c.get(ctx, "/cgi-bin/RPC_Loadfile"+remotePath)
	if err != nil {
		return fmt.Errorf("download request for %s failed: %w", remotePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s returned status %d", remotePath, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), os.ModeDir|os.ModePerm); err != nil {
		return err
	}

	handle, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer handle.Close()

	written, err := io.Copy(handle, resp.Body)
	if err != nil {
		return fmt.Errorf("transfer of %s interrupted after %d bytes: %w", remotePath, written, err)
	}

	if resp.ContentLength > 0 && written != resp.ContentLength {
		return fmt.Errorf("transfer of %s truncated: got %d of %d bytes", remotePath, written, resp.ContentLength)
	}

	return nil
}

func (c *dahuaCamera) Close() error { return nil }

func (c *dahuaCamera) createFinder(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, "/cgi-bin/mediaFileFind.cgi?action=factory.create")
	if err != nil {
		return "", fmt.Errorf("finder creation failed: %w", err)
	}
	defer resp.Body.Close()

	fields, err := parseKeyValueBody(resp.Body)
	if err != nil {
		return "", err
	}

	finder, ok := fields["result"]
	if !ok {
		return "", fmt.Errorf("finder creation response missing result")
	}

	return finder, nil
}

func (c *dahuaCamera) destroyFinder(ctx context.Context, finder string) {
	for _, action := range []string{"close", "destroy"} {
		resp, err := c.get(ctx, fmt.Sprintf("/cgi-bin/mediaFileFind.cgi?action=%s&object=%s", action, finder))
		if err != nil {
			log.Debugf("Finder %s %s failed: %s\n", finder, action, err.Error())
			return
		}
		resp.Body.Close()
	}
}

func (c *dahuaCamera) findNextPage(ctx context.Context, finder string) ([]recording.Segment, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/cgi-bin/mediaFileFind.cgi?action=findNextFile&object=%s&count=%d", finder, findFilePageSize))
	if err != nil {
		return nil, fmt.Errorf("findNextFile request failed: %w", err)
	}
	defer resp.Body.Close()

	fields, err := parseKeyValueBody(resp.Body)
	if err != nil {
		return nil, err
	}

	found, _ := strconv.Atoi(fields["found"])
	segments := make([]recording.Segment, 0, found)
	for i := 0; i < found; i++ {
		prefix := fmt.Sprintf("items[%d].", i)

		start, err := time.ParseInLocation(dahuaTimeLayout, fields[prefix+"StartTime"], time.Local)
		if err != nil {
			log.Warnf("Skipping index entry %d with bad start time '%s'\n", i, fields[prefix+"StartTime"])
			continue
		}
		end, err := time.ParseInLocation(dahuaTimeLayout, fields[prefix+"EndTime"], time.Local)
		if err != nil {
			log.Warnf("Skipping index entry %d with bad end time '%s'\n", i, fields[prefix+"EndTime"])
			continue
		}

		size, _ := strconv.ParseInt(fields[prefix+"Length"], 10, 64)
		segments = append(segments, recording.Segment{
			RemotePath: fields[prefix+"FilePath"],
			Start:      start,
			End:        end,
			Size:       size,
		})
	}

	return segments, nil
}

// get performs an authenticated GET, answering a digest challenge when
// the camera issues one.
func (c *dahuaCamera) get(ctx context.Context, pathAndQuery string) (*http.Response, error) {
	endpoint := fmt.Sprintf("http://%s:%d%s", c.config.Host, c.config.Port, pathAndQuery)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()
	if !strings.HasPrefix(challenge, "Digest ") {
		return nil, fmt.Errorf("camera demanded unsupported auth scheme: %s", challenge)
	}

	retry, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	authorization, err := c.answerDigest(challenge, retry.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	retry.Header.Set("Authorization", authorization)

	return c.client.Do(retry)
}

func (c *dahuaCamera) answerDigest(challenge string, uri string) (string, error) {
	params := parseDigestChallenge(challenge)
	realm, nonce := params["realm"], params["nonce"]
	if realm == "" || nonce == "" {
		return "", fmt.Errorf("digest challenge missing realm or nonce")
	}

	cnonceBytes := make([]byte, 8)
	if _, err := rand.Read(cnonceBytes); err != nil {
		return "", err
	}
	cnonce := hex.EncodeToString(cnonceBytes)

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", c.config.Username, realm, c.config.Password))
	ha2 := md5Hex(fmt.Sprintf("GET:%s", uri))

	var response string
	if strings.Contains(params["qop"], "auth") {
		response = md5Hex(fmt.Sprintf("%s:%s:%08d:%s:auth:%s", ha1, nonce, 1, cnonce, ha2))
	} else {
		response = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
	}

	authorization := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		c.config.Username, realm, nonce, uri, response)
	if strings.Contains(params["qop"], "auth") {
		authorization += fmt.Sprintf(`, qop=auth, nc=%08d, cnonce="%s"`, 1, cnonce)
	}
	if opaque, ok := params["opaque"]; ok {
		authorization += fmt.Sprintf(`, opaque="%s"`, opaque)
	}

	return authorization, nil
}

func parseDigestChallenge(challenge string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(strings.TrimPrefix(challenge, "Digest "), ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		params[key] = strings.Trim(value, `"`)
	}

	return params
}

func parseKeyValueBody(body io.Reader) (map[string]string, error) {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		key, value, found := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !found {
			continue
		}
		fields[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read camera response: %w", err)
	}

	return fields, nil
}

func md5Hex(value string) string {
	sum := md5.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}
