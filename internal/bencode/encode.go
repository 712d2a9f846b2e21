// Package bencode implements the bencoding wire format used by the
// BitTorrent HTTP tracker protocol.
//
// The value model is deliberately small: int64, string (raw bytes, no
// encoding assumed), []any and map[string]any. Encoding is canonical:
// dictionary keys are emitted in lexicographic order of their raw
// bytes, which clients validate.
package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Encode writes the bencoded form of v to w.
func Encode(w io.Writer, v any) error {
	switch vt := v.(type) {
	case int:
		return encodeInt(w, int64(vt))
	case int64:
		return encodeInt(w, vt)
	case uint64:
		if vt > 1<<63-1 {
			return fmt.Errorf("bencode: integer overflow: %d", vt)
		}
		return encodeInt(w, int64(vt))
	case string:
		return encodeString(w, vt)
	case []byte:
		return encodeString(w, string(vt))
	case []any:
		return encodeList(w, vt)
	case map[string]any:
		return encodeDict(w, vt)
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
}

// Marshal returns the bencoded form of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeInt(w io.Writer, n int64) error {
	_, err := io.WriteString(w, "i"+strconv.FormatInt(n, 10)+"e")
	return err
}

func encodeString(w io.Writer, s string) error {
	_, err := io.WriteString(w, strconv.Itoa(len(s))+":"+s)
	return err
}

func encodeList(w io.Writer, list []any) error {
	if _, err := io.WriteString(w, "l"); err != nil {
		return err
	}
	for _, item := range list {
		if err := Encode(w, item); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "e")
	return err
}

func encodeDict(w io.Writer, dict map[string]any) error {
	if _, err := io.WriteString(w, "d"); err != nil {
		return err
	}

	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := encodeString(w, k); err != nil {
			return err
		}
		if err := Encode(w, dict[k]); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "e")
	return err
}
