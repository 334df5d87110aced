package modules

import (
	"bufio"
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// LoadRuntimeState reads state.json, returning the zero value (no
// modules considered mounted) if it is missing or unparsable — the
// same "never fail the caller" posture the rest of this package's
// parsers take.
func LoadRuntimeState(path string) RuntimeState {
	var st RuntimeState
	data, err := os.ReadFile(path)
	if err != nil {
		return st
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return RuntimeState{}
	}
	return st
}

// Save writes state as state.json.
func (s RuntimeState) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// UpdateModuleDescription rewrites the description= line of the host
// module's own module.prop (propPath) to summarize the run just
// completed, leaving every other line untouched. A missing file is a
// silent no-op: this is cosmetic metadata only.
func UpdateModuleDescription(propPath string, storageMode string, nukeActive bool, overlayCount, magicCount int) {
	f, err := os.Open(propPath)
	if err != nil {
		return
	}

	modeLabel := modeLabel(storageMode)
	nukeSuffix := ""
	if nukeActive {
		nukeSuffix = " | nuke: on"
	}
	descLine := "description=running (" + modeLabel + ") | overlay: " +
		strconv.Itoa(overlayCount) + " | magic: " + strconv.Itoa(magicCount) + nukeSuffix

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "description=") {
			lines = append(lines, descLine)
		} else {
			lines = append(lines, line)
		}
	}
	f.Close()

	out, err := os.OpenFile(propPath, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return
	}
	defer out.Close()
	for _, line := range lines {
		out.WriteString(line + "\n")
	}
}

func modeLabel(m string) string {
	switch m {
	case "tmpfs":
		return "tmpfs"
	case "erofs":
		return "EROFS"
	default:
		return "ext4"
	}
}

