package crdt

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the three-part document version clock. Service is fixed per
// deployment, Snapshot increments when a snapshot is cut (resetting Log),
// and Log increments on every persisted operation.
type Version struct {
	Service  int
	Snapshot int
	Log      int
}

// NewVersion returns the initial version for a deployment.
func NewVersion(service int) Version {
	return Version{Service: service}
}

// Compare orders versions lexicographically on (service, snapshot, log).
func (v Version) Compare(o Version) int {
	for _, d := range [3]int{v.Service - o.Service, v.Snapshot - o.Snapshot, v.Log - o.Log} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// BumpLog returns the version after one more persisted operation.
func (v Version) BumpLog() Version {
	v.Log++
	return v
}

// BumpSnapshot returns the version after a snapshot cut.
func (v Version) BumpSnapshot() Version {
	v.Snapshot++
	v.Log = 0
	return v
}

// String renders the version in its persisted "service.snapshot.log" form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Service, v.Snapshot, v.Log)
}

// ParseVersion parses the persisted form.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("crdt: bad version %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("crdt: bad version component %q", p)
		}
		nums[i] = n
	}
	return Version{Service: nums[0], Snapshot: nums[1], Log: nums[2]}, nil
}

// MarshalJSON renders the version as its string form.
func (v Version) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(v.String())), nil
}

// UnmarshalJSON parses the string form.
func (v *Version) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("crdt: version must be a string: %w", err)
	}
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
