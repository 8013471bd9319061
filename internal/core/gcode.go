package core

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strings"
	"unicode"
)

const (
	CmdTemperature    = "M105"
	CmdProgress       = "M27"
	CmdIdentify       = "M115"
	CmdEndStops       = "M119"
	CmdListFiles      = "M20"
	CmdBeginWrite     = "M28"
	CmdEndWrite       = "M29"
	CmdSelectFile     = "M23"
	CmdStartResume    = "M24"
	CmdPause          = "M25"
	CmdLoadFilament   = "M701"
	CmdUnloadFilament = "M702"
)

var cancelSequence = []string{
	CmdPause,
	"M26 S0",  // rewind SD position
	"M104 S0", // hotend off
	"M140 S0", // bed off
	"M107",    // fan off
	"M84",     // motors off
}

var statusQueries = map[string]bool{
	CmdTemperature: true,
	CmdProgress:    true,
	CmdIdentify:    true,
	CmdEndStops:    true,
}

func isStatusQuery(code string) bool {
	return statusQueries[code]
}

// stripComment removes a trailing ";" comment and surrounding space.
func stripComment(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// splitCommand turns user input into the lines to send, dropping blank and
// comment-only lines.
func splitCommand(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = stripComment(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// commandCode returns the upper-cased G/M word of a line, skipping an "N<n>"
// line number.
func commandCode(line string) string {
	fields := strings.Fields(stripComment(line))
	if len(fields) == 0 {
		return ""
	}
	if len(fields) > 1 && (fields[0][0] == 'N' || fields[0][0] == 'n') {
		fields = fields[1:]
	}
	code := strings.ToUpper(fields[0])
	if i := strings.IndexByte(code, '*'); i >= 0 {
		code = code[:i]
	}
	return code
}

// validateFilename checks an upload name and returns the bare file name that
// is written to the SD card.
func validateFilename(name, ext string) (string, error) {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "" || base == "." || base == "/" {
		return "", fmt.Errorf("%w: filename is required", ErrInvalidFile)
	}
	if !strings.HasSuffix(strings.ToLower(base), strings.ToLower(ext)) || len(base) == len(ext) {
		return "", fmt.Errorf("%w: %q must end with %s", ErrInvalidFile, base, ext)
	}
	if strings.IndexFunc(base, unicode.IsSpace) >= 0 || strings.IndexByte(base, ';') >= 0 {
		return "", fmt.Errorf("%w: %q contains whitespace or ';'", ErrInvalidFile, base)
	}
	return base, nil
}

// uploadLines frames a file as an SD write: M28, the body, M29.
func uploadLines(name string, data []byte) ([]string, error) {
	lines := []string{CmdBeginWrite + " " + name}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		if l := stripComment(scanner.Text()); l != "" {
			lines = append(lines, l)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if len(lines) == 1 {
		return nil, fmt.Errorf("%w: %s has no commands", ErrInvalidFile, name)
	}

	return append(lines, CmdEndWrite+" "+name), nil
}

func startLines(name string) []string {
	return []string{CmdSelectFile + " " + name, CmdStartResume}
}
