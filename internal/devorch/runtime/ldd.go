package runtime

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

var lddLine = regexp.MustCompile(`^\t([a-zA-Z0-9+_\-.]+) => ([a-zA-Z0-9+_\-./]+) \(0x[0-9a-f]+\)$`)

// ParseLDD extracts resolved dependencies from ldd output. The vDSO and the
// dynamic loader lines are skipped; any other unrecognised non-empty line is
// an error, since a silently missed library produces a broken image.
func ParseLDD(out []byte) ([]Dependency, error) {
	var deps []Dependency
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if m := lddLine.FindStringSubmatch(line); m != nil {
			deps = append(deps, Dependency{Name: m[1], Path: m[2]})
			continue
		}
		if strings.HasPrefix(line, "\tlinux-vdso.so.1 ") || strings.HasPrefix(line, "\t/lib64/ld-linux-x86-64.so.2") {
			continue
		}
		return nil, fmt.Errorf("unable to parse ldd output line %q", line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ldd output: %w", err)
	}
	return deps, nil
}
