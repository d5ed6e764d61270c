/*
 * Corral
 * Copyright (C) 2025  Josh Moyers
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package term

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hinshun/vt10x"
)

// Snapshot is a rendered terminal frame. Lines are trimmed of trailing
// blanks; Hash changes iff the visible frame or cursor changes.
type Snapshot struct {
	Cols          int       `json:"cols"`
	Rows          int       `json:"rows"`
	CursorX       int       `json:"cursorX"`
	CursorY       int       `json:"cursorY"`
	CursorVisible bool      `json:"cursorVisible"`
	AltScreen     bool      `json:"altScreen"`
	Lines         []string  `json:"lines"`
	Cursor        uint64    `json:"cursor"`
	Hash          string    `json:"hash"`
	CapturedAt    time.Time `json:"capturedAt"`
}

func captureSnapshot(vt vt10x.Terminal, cursor uint64, at time.Time) Snapshot {
	vt.Lock()
	cols, rows := vt.Size()
	cur := vt.Cursor()
	visible := vt.CursorVisible()
	alt := vt.Mode()&vt10x.ModeAltScreen != 0
	lines := make([]string, rows)
	var sb strings.Builder
	for y := 0; y < rows; y++ {
		sb.Reset()
		for x := 0; x < cols; x++ {
			ch := vt.Cell(x, y).Char
			if ch == 0 {
				ch = ' '
			}
			sb.WriteRune(ch)
		}
		lines[y] = strings.TrimRight(sb.String(), " ")
	}
	vt.Unlock()

	snap := Snapshot{
		Cols:          cols,
		Rows:          rows,
		CursorX:       cur.X,
		CursorY:       cur.Y,
		CursorVisible: visible,
		AltScreen:     alt,
		Lines:         lines,
		Cursor:        cursor,
		CapturedAt:    at,
	}
	snap.Hash = frameHash(snap)
	return snap
}

func frameHash(s Snapshot) string {
	h := sha256.New()
	fmt.Fprintf(h, "%dx%d:%d,%d,%v,%v\n", s.Cols, s.Rows,
		s.CursorX, s.CursorY, s.CursorVisible, s.AltScreen)
	for _, line := range s.Lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
