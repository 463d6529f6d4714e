package store

import (
	"fmt"
	"strconv"
	"strings"
)

// FragmentExt is the file extension for update fragment files.
const FragmentExt = ".upd"

// Descriptor identifies one fragment file on disk: the writing instance and
// the inclusive sequence range its bytes cover. Single-update fragments have
// Start == End; packed range files cover every sequence in [Start, End].
type Descriptor struct {
	DocID    string
	Instance string
	Start    uint64
	End      uint64
	Path     string
}

// Count returns the number of logical updates the fragment covers.
func (d Descriptor) Count() uint64 {
	return d.End - d.Start + 1
}

// FragmentFileName builds the on-disk name for a fragment:
// {instanceID}.{startSeq:06d}-{endSeq:06d}.upd. Sequences wider than six
// digits are not padded further; parsing is width-agnostic.
func FragmentFileName(instance string, start, end uint64) string {
	return fmt.Sprintf("%s.%06d-%06d%s", instance, start, end, FragmentExt)
}

// ParseFragmentName parses a fragment file name into its components.
// Names that do not match the convention (legacy unsequenced files, temp
// files, anything else) return ok=false and are ignored by listings rather
// than treated as errors.
func ParseFragmentName(name string) (instance string, start, end uint64, ok bool) {
	if !strings.HasSuffix(name, FragmentExt) {
		return "", 0, 0, false
	}
	base := strings.TrimSuffix(name, FragmentExt)

	// The instance ID may itself contain dots; the range is always the
	// final dot-separated component.
	dot := strings.LastIndex(base, ".")
	if dot <= 0 {
		return "", 0, 0, false
	}
	instance = base[:dot]
	rangePart := base[dot+1:]

	startStr, endStr, found := strings.Cut(rangePart, "-")
	if !found || startStr == "" || endStr == "" {
		return "", 0, 0, false
	}
	start, err := strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	end, err = strconv.ParseUint(endStr, 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	if start == 0 || end < start {
		return "", 0, 0, false
	}
	return instance, start, end, true
}
