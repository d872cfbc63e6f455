package mediaplugin

import "errors"

// Scanner results. The numeric equivalents are -1 and -2.
var (
	ErrNoNALUnit        = errors.New("no NAL unit found")
	ErrInvalidStartCode = errors.New("invalid Annex B start code")
)

// H264 NAL unit types
const (
	nalTypeSlice = 1
	nalTypeIDR   = 5
	nalTypeSEI   = 6
	nalTypeSPS   = 7
	nalTypePPS   = 8
	nalTypeFUA   = 28 // Fragmentation Unit A
)

// NextNALUnit scans data for the next Annex B unit. The buffer must begin
// with a start code: at least two 0x00 bytes followed by 0x01.
//
// On success nal references data (no copy) and rest begins at the start code
// that terminated the unit, so it can be passed straight back in. When the
// buffer ends before a terminating start code, the trailing bytes form the
// unit only if startCodeFollows is set; otherwise ErrNoNALUnit is returned.
// Trailing zero padding before a terminating start code is trimmed.
func NextNALUnit(data []byte, startCodeFollows bool) (nal, rest []byte, err error) {
	size := len(data)
	if size == 0 {
		return nil, nil, ErrNoNALUnit
	}

	offset := 0
	for offset < size && data[offset] == 0x00 {
		offset++
	}
	if offset == size {
		return nil, nil, ErrNoNALUnit
	}
	if offset < 2 || data[offset] != 0x01 {
		return nil, nil, ErrInvalidStartCode
	}
	offset++
	start := offset

	for {
		for offset < size && data[offset] != 0x01 {
			offset++
		}
		if offset == size {
			if !startCodeFollows {
				return nil, nil, ErrNoNALUnit
			}
			// Pretend the missing start code sits just past the end.
			offset = size + 2
			break
		}
		// offset >= start, and data[start-1] is 0x01, so a match here
		// always has offset >= start+2.
		if data[offset-1] == 0x00 && data[offset-2] == 0x00 {
			break
		}
		offset++
	}

	end := offset - 2
	for end > start && data[end-1] == 0x00 {
		end--
	}

	nal = data[start:end]
	if offset+1 < size {
		rest = data[offset-2:]
	}
	return nal, rest, nil
}

// NALCursor walks an Annex B buffer one unit at a time.
type NALCursor struct {
	data []byte
}

// NewNALCursor returns a cursor positioned at the start of data.
func NewNALCursor(data []byte) *NALCursor {
	return &NALCursor{data: data}
}

// Next returns the next unit. It returns ErrNoNALUnit once the buffer is
// exhausted and ErrInvalidStartCode when the framing is broken; the cursor
// does not advance on error.
func (c *NALCursor) Next(startCodeFollows bool) ([]byte, error) {
	nal, rest, err := NextNALUnit(c.data, startCodeFollows)
	if err != nil {
		return nil, err
	}
	c.data = rest
	return nal, nil
}

// Remaining returns the unscanned part of the buffer.
func (c *NALCursor) Remaining() []byte { return c.data }

// SplitAnnexB returns every unit in data, treating end of buffer as a unit
// boundary.
func SplitAnnexB(data []byte) ([][]byte, error) {
	var units [][]byte
	cur := NewNALCursor(data)
	for {
		nal, err := cur.Next(true)
		if errors.Is(err, ErrNoNALUnit) {
			return units, nil
		}
		if err != nil {
			return units, err
		}
		units = append(units, nal)
	}
}

// nalType returns the H.264 NAL unit type of a unit without start code.
func nalType(nal []byte) byte {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}
