package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// "ok T:210.4 /210.0 B:59.8 /60.0 @:127 B@:0"
	tempPattern = regexp.MustCompile(`(?:^|\s)([TB]):\s*(-?\d+(?:\.\d+)?)(?:\s*/\s*(-?\d+(?:\.\d+)?))?`)
	// "SD printing byte 1234/56789"
	sdProgressPattern = regexp.MustCompile(`SD printing byte\s+(\d+)\s*/\s*(\d+)`)
	// "FIRMWARE_NAME:Marlin 2.1.2 MACHINE_TYPE:Prusa i3"
	capabilityKeyPattern = regexp.MustCompile(`(?:^|\s)([A-Z][A-Z0-9_]*):`)
	// "x_min: open", "z_probe: TRIGGERED"
	endStopPattern = regexp.MustCompile(`(?i)^([a-z0-9_ ]+):\s*(open|triggered)$`)
)

const (
	sdDoneMarker      = "Done printing file"
	sdIdleMarker      = "Not SD printing"
	fileListBegin     = "Begin file list"
	fileListEnd       = "End file list"
	firmwareNameKey   = "FIRMWARE_NAME"
	machineTypeKey    = "MACHINE_TYPE"
	firmwareErrPrefix = "Error:"
)

func isOK(line string) bool {
	if !strings.HasPrefix(line, "ok") {
		return false
	}
	return len(line) == 2 || line[2] == ' ' || line[2] == ':'
}

func isBusy(line string) bool {
	return strings.Contains(line, "busy:")
}

func isHalt(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "halted") || strings.Contains(l, "kill()")
}

func reportsPrintDone(lines []string) bool {
	for _, l := range lines {
		if strings.Contains(l, sdDoneMarker) {
			return true
		}
	}
	return false
}

func parseFloat(s string) *float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// parseTemperatures reads hotend and bed readings. Only the first T and B
// entries count; per-extruder "T0:" fields are ignored.
func parseTemperatures(lines []string) (*Temperatures, error) {
	t := &Temperatures{}
	found := false
	for _, line := range lines {
		for _, m := range tempPattern.FindAllStringSubmatch(line, -1) {
			current, target := parseFloat(m[2]), (*float64)(nil)
			if m[3] != "" {
				target = parseFloat(m[3])
			}
			switch m[1] {
			case "T":
				if t.Hotend == nil {
					t.Hotend, t.HotendTarget = current, target
					found = true
				}
			case "B":
				if t.Bed == nil {
					t.Bed, t.BedTarget = current, target
					found = true
				}
			}
		}
	}
	if !found {
		return t, fmt.Errorf("%w: no temperature fields", ErrParse)
	}
	return t, nil
}

func parseProgress(lines []string) (*Progress, error) {
	for _, line := range lines {
		if m := sdProgressPattern.FindStringSubmatch(line); m != nil {
			done, _ := strconv.ParseInt(m[1], 10, 64)
			total, _ := strconv.ParseInt(m[2], 10, 64)
			p := &Progress{Active: true, BytesPrinted: done, BytesTotal: total}
			if total > 0 {
				p.Percent = float64(done) * 100 / float64(total)
				p.Done = done >= total
			}
			return p, nil
		}
		if strings.Contains(line, sdDoneMarker) {
			return &Progress{Done: true, Percent: 100}, nil
		}
		if strings.Contains(line, sdIdleMarker) {
			return &Progress{}, nil
		}
	}
	return nil, fmt.Errorf("%w: no SD progress", ErrParse)
}

// parseFirmware splits the M115 identification line into its KEY:value pairs.
func parseFirmware(lines []string) (map[string]string, error) {
	for _, line := range lines {
		if !strings.Contains(line, firmwareNameKey+":") {
			continue
		}
		info := make(map[string]string)
		idx := capabilityKeyPattern.FindAllStringSubmatchIndex(line, -1)
		for i, m := range idx {
			key := line[m[2]:m[3]]
			end := len(line)
			if i+1 < len(idx) {
				end = idx[i+1][0]
			}
			info[key] = strings.TrimSpace(line[m[1]:end])
		}
		return info, nil
	}
	return nil, fmt.Errorf("%w: no %s", ErrParse, firmwareNameKey)
}

func parseEndStops(lines []string) (map[string]string, error) {
	stops := make(map[string]string)
	for _, line := range lines {
		if m := endStopPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			stops[strings.TrimSpace(m[1])] = strings.ToLower(m[2])
		}
	}
	if len(stops) == 0 {
		return nil, fmt.Errorf("%w: no end stop states", ErrParse)
	}
	return stops, nil
}

func parseFileList(lines []string) ([]SDFile, error) {
	var files []SDFile
	inList := false
	sawList := false
	for _, line := range lines {
		switch {
		case strings.Contains(line, fileListBegin):
			inList, sawList = true, true
		case strings.Contains(line, fileListEnd):
			inList = false
		case inList:
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			f := SDFile{Name: fields[0]}
			if len(fields) > 1 {
				f.Size, _ = strconv.ParseInt(fields[1], 10, 64)
			}
			files = append(files, f)
		}
	}
	if !sawList {
		return nil, fmt.Errorf("%w: no file list", ErrParse)
	}
	return files, nil
}

// parseResponse attaches the structured fields that the command's codes ask for.
// Parse failures leave the fields nil and are returned for logging only.
func parseResponse(codes []string, resp *ParsedResponse) []error {
	var errs []error
	for _, code := range codes {
		var err error
		switch code {
		case CmdTemperature:
			resp.Temperatures, err = parseTemperatures(resp.Lines)
		case CmdProgress:
			resp.Progress, err = parseProgress(resp.Lines)
		case CmdIdentify:
			resp.Firmware, err = parseFirmware(resp.Lines)
		case CmdEndStops:
			resp.EndStops, err = parseEndStops(resp.Lines)
		case CmdListFiles:
			resp.Files, err = parseFileList(resp.Lines)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", code, err))
		}
	}
	return errs
}
