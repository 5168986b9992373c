package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const MatchInfoFileName = "match_info.ini"

var ErrNoMatchInfo = errors.New("group has no match info file")

// MatchInfo is the human-filled per-group document describing the match
// and the window to trim the combined artifact down to.
type MatchInfo struct {
	MyTeamName       string `ini:"my_team_name"`
	OpponentTeamName string `ini:"opponent_team_name"`
	Location         string `ini:"location"`
	StartTimeOffset  string `ini:"start_time_offset"`
	EndTimeOffset    string `ini:"end_time_offset"`
	TotalDuration    string `ini:"total_duration"`
}

// LoadMatchInfo reads a group's match_info.ini. Fields may live in a
// [MATCH] section or at the top level of the file.
func LoadMatchInfo(groupDir string) (*MatchInfo, error) {
	path := filepath.Join(groupDir, MatchInfoFileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoMatchInfo
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	section := file.Section(ini.DefaultSection)
	if match, err := file.GetSection("MATCH"); err == nil {
		section = match
	}

	info := &MatchInfo{}
	if err := section.MapTo(info); err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}

	return info, nil
}

// IsReadyToTrim reports whether the four required fields are filled in.
func (m *MatchInfo) IsReadyToTrim() bool {
	return strings.TrimSpace(m.MyTeamName) != "" &&
		strings.TrimSpace(m.OpponentTeamName) != "" &&
		strings.TrimSpace(m.Location) != "" &&
		strings.TrimSpace(m.StartTimeOffset) != ""
}

// StartOffset parses the mandatory start offset into the combined artifact.
func (m *MatchInfo) StartOffset() (time.Duration, error) {
	return parseOffset(m.StartTimeOffset)
}

// EndOffset parses the optional end offset. The boolean is false when no
// end offset was supplied.
func (m *MatchInfo) EndOffset() (time.Duration, bool, error) {
	if strings.TrimSpace(m.EndTimeOffset) == "" {
		return 0, false, nil
	}

	offset, err := parseOffset(m.EndTimeOffset)
	return offset, err == nil, err
}

// ArtifactDirName is the per-group output subdirectory holding the final
// trimmed artifacts, e.g. "2025.04.12 - Hornets vs Wanderers (Memorial Park)".
func (m *MatchInfo) ArtifactDirName(groupStart time.Time) string {
	return fmt.Sprintf("%s - %s vs %s (%s)", groupStart.Format("2006.01.02"), strings.TrimSpace(m.MyTeamName), strings.TrimSpace(m.OpponentTeamName), strings.TrimSpace(m.Location))
}

// RawArtifactName is the file name of the trimmed raw artifact,
// e.g. "hornets-wanderers-memorialpark-04-12-2025-raw.mp4".
func (m *MatchInfo) RawArtifactName(groupStart time.Time) string {
	return m.artifactStem(groupStart) + "-raw.mp4"
}

// ProcessedArtifactName is the file name of the optional processed
// sibling produced outside this pipeline.
func (m *MatchInfo) ProcessedArtifactName(groupStart time.Time) string {
	return m.artifactStem(groupStart) + ".mp4"
}

func (m *MatchInfo) artifactStem(groupStart time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s",
		sanitizeToken(m.MyTeamName),
		sanitizeToken(m.OpponentTeamName),
		sanitizeToken(m.Location),
		groupStart.Format("01-02-2006"))
}

// Title is the human-readable label used for upload titles.
func (m *MatchInfo) Title(groupStart time.Time) string {
	return fmt.Sprintf("%s vs %s (%s) - %s", strings.TrimSpace(m.MyTeamName), strings.TrimSpace(m.OpponentTeamName), strings.TrimSpace(m.Location), groupStart.Format("01/02/2006"))
}

var nonAlphanumericPattern = regexp.MustCompile(`[^a-z0-9]+`)

func sanitizeToken(value string) string {
	return nonAlphanumericPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "")
}

// parseOffset accepts mm:ss or hh:mm:ss clock offsets.
func parseOffset(value string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("'%s' is not a valid mm:ss or hh:mm:ss offset", value)
	}

	numbers := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("'%s' is not a valid mm:ss or hh:mm:ss offset", value)
		}
		numbers[i] = n
	}

	if len(numbers) == 2 {
		return time.Duration(numbers[0])*time.Minute + time.Duration(numbers[1])*time.Second, nil
	}

	return time.Duration(numbers[0])*time.Hour + time.Duration(numbers[1])*time.Minute + time.Duration(numbers[2])*time.Second, nil
}
