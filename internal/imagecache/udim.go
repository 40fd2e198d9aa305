package imagecache

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// udimTokens lists the filename tokens that mark a name as a UDIM
// pattern (spec §3: "<UDIM>", "<u><v>", "<UVTILE>", "%(UDIM)d").
var udimTokens = []string{"<UDIM>", "%(UDIM)d", "<u><v>", "<uvtile>", "<UVTILE>"}

func isUDIMPattern(name string) bool {
	for _, tok := range udimTokens {
		if strings.Contains(name, tok) {
			return true
		}
	}
	return false
}

// udimKind distinguishes the two token families: single four-digit number
// vs. separate u/v numbers.
type udimKind int

const (
	udimSingle udimKind = iota // <UDIM> / %(UDIM)d : 1001 + u + 10*v
	udimPair                   // <u><v> / <uvtile>  : two captured numbers
)

// buildUDIMRegex turns a UDIM pattern filename into a matching regexp plus
// the token kind, for directory-enumeration matching.
func buildUDIMRegex(pattern string) (*regexp.Regexp, udimKind, bool) {
	esc := regexp.QuoteMeta(pattern)
	for _, tok := range []string{"<UDIM>", "%\\(UDIM\\)d"} {
		if strings.Contains(esc, tok) {
			re := strings.Replace(esc, tok, `(\d{4,})`, 1)
			r, err := regexp.Compile("^" + re + "$")
			if err != nil {
				return nil, udimSingle, false
			}
			return r, udimSingle, true
		}
	}
	for _, tok := range []string{"<u><v>", "<uvtile>", "<UVTILE>"} {
		if strings.Contains(esc, tok) {
			re := strings.Replace(esc, tok, `(\d+)_(\d+)`, 1)
			r, err := regexp.Compile("^" + re + "$")
			if err != nil {
				return nil, udimPair, false
			}
			return r, udimPair, true
		}
	}
	return nil, udimSingle, false
}

// buildUDIMState enumerates dir's siblings matching pattern's derived
// regex and populates a u x v grid of concrete filenames. Run once, at
// find_or_create time, for a filename recognized as a UDIM pattern.
func buildUDIMState(fullPattern string) *udimState {
	dir := filepath.Dir(fullPattern)
	base := filepath.Base(fullPattern)
	re, kind, ok := buildUDIMRegex(base)
	if !ok {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &udimState{Pattern: fullPattern}
	}

	type found struct {
		u, v     int
		filename string
	}
	var hits []found
	maxU, maxV := 0, 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var u, v int
		switch kind {
		case udimSingle:
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			n -= 1001
			if n < 0 {
				continue
			}
			u = n % 10
			v = n / 10
		case udimPair:
			uu, err1 := strconv.Atoi(m[1])
			vv, err2 := strconv.Atoi(m[2])
			if err1 != nil || err2 != nil {
				continue
			}
			u, v = uu, vv
		}
		if u+1 > maxU {
			maxU = u + 1
		}
		if v+1 > maxV {
			maxV = v + 1
		}
		hits = append(hits, found{u, v, filepath.Join(dir, e.Name())})
	}

	st := &udimState{Pattern: fullPattern, UTiles: maxU, VTiles: maxV}
	st.Slots = make([]udimSlot, maxU*maxV)
	for _, h := range hits {
		st.Slots[h.v*maxU+h.u].Filename = h.filename
	}
	return st
}
