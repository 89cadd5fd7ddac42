package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"unicode/utf8"
)

type BencodeType uint8

const (
	BencodeString BencodeType = iota
	BencodeInteger
	BencodeList
	BencodeDict
)

func (t BencodeType) String() string {
	switch t {
	case BencodeString:
		return "byte string"
	case BencodeInteger:
		return "integer"
	case BencodeList:
		return "list"
	case BencodeDict:
		return "dictionary"
	default:
		return "BencodeType(" + strconv.Itoa(int(t)) + ")"
	}
}

var (
	ErrMalformedInput = errors.New("malformed bencode input")
	ErrUnexpectedEOF  = errors.New("unexpected end of bencode input")
	ErrTypeMismatch   = fmt.Errorf("%w: type mismatch", ErrMalformedInput)
)

// BencodeValue is one decoded element. Size is the number of source bytes the
// decoder consumed to produce it; values built with the New* constructors
// have no source and a zero Size.
type BencodeValue struct {
	ValueType    BencodeType
	IntegerValue int64
	StringValue  []byte
	ListValue    []*BencodeValue
	DictValue    map[string]*BencodeValue
	Size         int

	raw []byte
}

func NewString(s []byte) *BencodeValue {
	return &BencodeValue{ValueType: BencodeString, StringValue: s}
}

func NewInteger(i int64) *BencodeValue {
	return &BencodeValue{ValueType: BencodeInteger, IntegerValue: i}
}

func NewList(items ...*BencodeValue) *BencodeValue {
	if items == nil {
		items = []*BencodeValue{}
	}
	return &BencodeValue{ValueType: BencodeList, ListValue: items}
}

func NewDict(entries map[string]*BencodeValue) *BencodeValue {
	if entries == nil {
		entries = make(map[string]*BencodeValue)
	}
	return &BencodeValue{ValueType: BencodeDict, DictValue: entries}
}

// Raw returns the exact bytes the value was decoded from, or nil if the value
// was constructed in memory.
func (bencodeValue *BencodeValue) Raw() []byte {
	return bencodeValue.raw
}

func (bencodeValue *BencodeValue) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := bencodeValue.serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// serialize writes dictionary entries in sorted key order. The mapping keeps no
// record of the source order, so the output only matches the source bytes when
// the source was itself canonical; use Raw for exact reproduction.
func (bencodeValue *BencodeValue) serialize(w io.Writer) error {
	if bencodeValue == nil {
		return errors.New("cannot serialize nil bencode value")
	}
	switch bencodeValue.ValueType {
	case BencodeString:
		if _, err := io.WriteString(w, strconv.Itoa(len(bencodeValue.StringValue))+":"); err != nil {
			return err
		}
		_, err := w.Write(bencodeValue.StringValue)
		return err
	case BencodeInteger:
		_, err := fmt.Fprintf(w, "i%de", bencodeValue.IntegerValue)
		return err
	case BencodeList:
		if _, err := w.Write([]byte{'l'}); err != nil {
			return err
		}
		for _, item := range bencodeValue.ListValue {
			if err := item.serialize(w); err != nil {
				return err
			}
		}
		_, err := w.Write([]byte{'e'})
		return err
	case BencodeDict:
		if _, err := w.Write([]byte{'d'}); err != nil {
			return err
		}
		for _, key := range bencodeValue.Keys() {
			if err := NewString([]byte(key)).serialize(w); err != nil {
				return err
			}
			if err := bencodeValue.DictValue[key].serialize(w); err != nil {
				return err
			}
		}
		_, err := w.Write([]byte{'e'})
		return err
	default:
		return fmt.Errorf("cannot serialize %v", bencodeValue.ValueType)
	}
}

func (bencodeValue *BencodeValue) expect(t BencodeType) error {
	if bencodeValue == nil {
		return fmt.Errorf("%w: expected %v, found nothing", ErrTypeMismatch, t)
	}
	if bencodeValue.ValueType != t {
		return fmt.Errorf("%w: expected %v, found %v", ErrTypeMismatch, t, bencodeValue.ValueType)
	}
	return nil
}

func (bencodeValue *BencodeValue) GetStringValue() (string, error) {
	if err := bencodeValue.expect(BencodeString); err != nil {
		return "", err
	}
	return string(bencodeValue.StringValue), nil
}

func (bencodeValue *BencodeValue) GetBytesValue() ([]byte, error) {
	if err := bencodeValue.expect(BencodeString); err != nil {
		return nil, err
	}
	return bencodeValue.StringValue, nil
}

func (bencodeValue *BencodeValue) GetIntegerValue() (int64, error) {
	if err := bencodeValue.expect(BencodeInteger); err != nil {
		return 0, err
	}
	return bencodeValue.IntegerValue, nil
}

func (bencodeValue *BencodeValue) GetListValue() ([]*BencodeValue, error) {
	if err := bencodeValue.expect(BencodeList); err != nil {
		return nil, err
	}
	return bencodeValue.ListValue, nil
}

func (bencodeValue *BencodeValue) GetDictValue() (map[string]*BencodeValue, error) {
	if err := bencodeValue.expect(BencodeDict); err != nil {
		return nil, err
	}
	return bencodeValue.DictValue, nil
}

// Get looks up key in a dictionary value. It returns nil when the value is not
// a dictionary or the key is absent.
func (bencodeValue *BencodeValue) Get(key string) *BencodeValue {
	if bencodeValue == nil || bencodeValue.ValueType != BencodeDict {
		return nil
	}
	return bencodeValue.DictValue[key]
}

func (bencodeValue *BencodeValue) Keys() []string {
	if bencodeValue == nil || bencodeValue.ValueType != BencodeDict {
		return nil
	}
	keys := make([]string, 0, len(bencodeValue.DictValue))
	for k := range bencodeValue.DictValue {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether a and b hold the same structure. Dictionary key order
// and decoded sizes are not compared.
func Equal(a, b *BencodeValue) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ValueType != b.ValueType {
		return false
	}
	switch a.ValueType {
	case BencodeInteger:
		return a.IntegerValue == b.IntegerValue
	case BencodeString:
		return bytes.Equal(a.StringValue, b.StringValue)
	case BencodeList:
		if len(a.ListValue) != len(b.ListValue) {
			return false
		}
		for i := range a.ListValue {
			if !Equal(a.ListValue[i], b.ListValue[i]) {
				return false
			}
		}
		return true
	case BencodeDict:
		if len(a.DictValue) != len(b.DictValue) {
			return false
		}
		for k, av := range a.DictValue {
			bv, ok := b.DictValue[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value for debugging. Byte strings that are not valid
// UTF-8 are shown as hex.
func (bencodeValue *BencodeValue) String() string {
	var sb bytes.Buffer
	bencodeValue.stringify(&sb)
	return sb.String()
}

func (bencodeValue *BencodeValue) stringify(sb *bytes.Buffer) {
	if bencodeValue == nil {
		sb.WriteString("<nil>")
		return
	}
	switch bencodeValue.ValueType {
	case BencodeString:
		if utf8.Valid(bencodeValue.StringValue) {
			sb.WriteString(strconv.Quote(string(bencodeValue.StringValue)))
		} else {
			fmt.Fprintf(sb, "0x%x", bencodeValue.StringValue)
		}
	case BencodeInteger:
		sb.WriteString(strconv.FormatInt(bencodeValue.IntegerValue, 10))
	case BencodeList:
		sb.WriteByte('[')
		for i, item := range bencodeValue.ListValue {
			if i > 0 {
				sb.WriteString(", ")
			}
			item.stringify(sb)
		}
		sb.WriteByte(']')
	case BencodeDict:
		sb.WriteByte('{')
		for i, key := range bencodeValue.Keys() {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(strconv.Quote(key))
			sb.WriteString(": ")
			bencodeValue.DictValue[key].stringify(sb)
		}
		sb.WriteByte('}')
	}
}
