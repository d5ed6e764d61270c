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

package wire

import (
	"bytes"
	"encoding/json"

	"github.com/gravitational/trace"
)

// ConsumeJSONLines splits buf into complete newline-terminated records and
// the trailing partial record. Empty lines are skipped. Returned records
// alias buf; callers that retain them across reads must copy.
func ConsumeJSONLines(buf []byte) (records [][]byte, remainder []byte) {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return records, buf
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		// tolerate CRLF from permissive clients
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		records = append(records, line)
	}
}

// Encode marshals env and appends the framing newline.
func Encode(env any) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return append(data, '\n'), nil
}

// ParseClient parses one framed record into a client envelope.
func ParseClient(record []byte) (ClientEnvelope, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(record, &env); err != nil {
		return ClientEnvelope{}, trace.BadParameter("malformed protocol record: %v", err)
	}
	if env.Kind == "" {
		return ClientEnvelope{}, trace.BadParameter("protocol record missing kind")
	}
	return env, nil
}

// ParseServer parses one framed record into a server envelope.
func ParseServer(record []byte) (ServerEnvelope, error) {
	var env ServerEnvelope
	if err := json.Unmarshal(record, &env); err != nil {
		return ServerEnvelope{}, trace.BadParameter("malformed protocol record: %v", err)
	}
	if env.Kind == "" {
		return ServerEnvelope{}, trace.BadParameter("protocol record missing kind")
	}
	return env, nil
}
