package runtime

import (
	"bufio"
	"os"
	"strings"
)

// Bot processes print a known line once polling is up; the health check
// keys off these instead of probing the Telegram API itself.
var readyMarkers = []string{
	"bot started",
	"start polling",
	"application startup complete",
}

// Fatal startup conditions that show up in logs before the process
// necessarily exits.
var errorMarkers = []string{
	"unauthorized",
	"token is invalid",
	"traceback (most recent call last)",
	"panic:",
	"fatal error",
}

// maxScanBytes caps how much of a log file health scans read.
const maxScanBytes = 256 * 1024

func logShowsReady(path string) bool {
	return scanLog(path, readyMarkers) != ""
}

func scanLogErrors(path string) []string {
	var found []string
	for _, m := range errorMarkers {
		if scanLog(path, []string{m}) != "" {
			found = append(found, m)
		}
	}
	return found
}

// scanLog returns the first marker found in the file, or "".
func scanLog(path string, markers []string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	read := 0
	for scanner.Scan() && read < maxScanBytes {
		line := strings.ToLower(scanner.Text())
		read += len(line)
		for _, m := range markers {
			if strings.Contains(line, m) {
				return m
			}
		}
	}
	return ""
}

// tailLines returns up to n trailing lines of the file. A missing file
// yields an empty slice.
func tailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		n = 100
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}
