package eventlog

import (
	"encoding/binary"
	"fmt"
	"io"
)

// recordLen is the size of one encoded Event.
// Format: [Type:1][Seq:8][GID:8][Addr:8][Size:8][Class:4][Stack:4]
const recordLen = 41

func encodeEvent(buf *[recordLen]byte, ev Event) {
	buf[0] = byte(ev.Type)
	binary.LittleEndian.PutUint64(buf[1:9], ev.Seq)
	binary.LittleEndian.PutUint64(buf[9:17], ev.GID)
	binary.LittleEndian.PutUint64(buf[17:25], ev.Addr)
	binary.LittleEndian.PutUint64(buf[25:33], ev.Size)
	binary.LittleEndian.PutUint32(buf[33:37], ev.Class)
	binary.LittleEndian.PutUint32(buf[37:41], ev.Stack)
}

func decodeEvent(r io.Reader, ev *Event) error {
	var buf [recordLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	ev.Type = EventType(buf[0])
	if ev.Type < EvAlloc || ev.Type > EvReport {
		return fmt.Errorf("invalid event type %d", buf[0])
	}
	ev.Seq = binary.LittleEndian.Uint64(buf[1:9])
	ev.GID = binary.LittleEndian.Uint64(buf[9:17])
	ev.Addr = binary.LittleEndian.Uint64(buf[17:25])
	ev.Size = binary.LittleEndian.Uint64(buf[25:33])
	ev.Class = binary.LittleEndian.Uint32(buf[33:37])
	ev.Stack = binary.LittleEndian.Uint32(buf[37:41])
	return nil
}
