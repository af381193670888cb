// SPDX-License-Identifier: GPL-2.0-or-later

package format

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PatchUint32 overwrites the uint32 at offset and seeks back
// to the position the writer was at before the call.
func PatchUint32(ws io.WriteSeeker, offset int64, value uint32) error {
	resume, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("get position: %w", err)
	}
	if _, err := ws.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d: %w", offset, err)
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	if _, err := ws.Write(buf[:]); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if _, err := ws.Seek(resume, io.SeekStart); err != nil {
		return fmt.Errorf("seek back to %d: %w", resume, err)
	}
	return nil
}
