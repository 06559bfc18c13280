package bound

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is the persisted bound. Records written before owners were tracked
// carry no owner.
type Record struct {
	Owner string
	Limit int64
}

// ParseRecord reads both "<limit>" and "<owner>_<limit>". The owner is
// everything before the last underscore.
func ParseRecord(bs []byte) (Record, error) {
	raw := string(bs)
	owner, limit := "", raw
	if i := strings.LastIndex(raw, "_"); i >= 0 {
		owner, limit = raw[:i], raw[i+1:]
		if owner == "" {
			return Record{}, fmt.Errorf("%w: empty owner in %q", ErrMalformedRecord, raw)
		}
	}
	n, err := strconv.ParseInt(limit, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %q: %v", ErrMalformedRecord, raw, err)
	}
	return Record{Owner: owner, Limit: n}, nil
}

func (r Record) Legacy() bool {
	return r.Owner == ""
}

func (r Record) String() string {
	if r.Legacy() {
		return strconv.FormatInt(r.Limit, 10)
	}
	return r.Owner + "_" + strconv.FormatInt(r.Limit, 10)
}
