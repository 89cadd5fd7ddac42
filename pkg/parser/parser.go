package parser

import (
	"errors"
	"fmt"
	"strconv"
)

const remainderDumpSize = 20

// MaxDepth bounds how deeply lists and dictionaries may nest.
const MaxDepth = 512

type ParserContext struct {
	input []byte
	pos   int
	depth int
}

// SyntaxError describes where decoding stopped. Remainder holds a short prefix
// of the input that was not consumed.
type SyntaxError struct {
	Offset    int
	Remainder []byte
	Err       error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%v at offset %d (before %q)", e.Err, e.Offset, e.Remainder)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

func NewParserContext(data []byte) (*ParserContext, error) {
	if len(data) == 0 {
		return nil, &SyntaxError{Err: ErrUnexpectedEOF}
	}
	return &ParserContext{input: data}, nil
}

// Decode parses one value from the start of data. Bytes after the first
// complete value are ignored.
func Decode(data []byte) (*BencodeValue, error) {
	ctx, err := NewParserContext(data)
	if err != nil {
		return nil, err
	}
	return ctx.Parse()
}

func (ctx *ParserContext) Parse() (*BencodeValue, error) {
	return ctx.parseValue()
}

// Pos returns the number of input bytes consumed so far.
func (ctx *ParserContext) Pos() int {
	return ctx.pos
}

func (ctx *ParserContext) fail(err error, format string, args ...any) error {
	end := ctx.pos + remainderDumpSize
	if end > len(ctx.input) {
		end = len(ctx.input)
	}
	pos := ctx.pos
	if pos > end {
		pos = end
	}
	remainder := make([]byte, end-pos)
	copy(remainder, ctx.input[pos:end])
	return &SyntaxError{
		Offset:    ctx.pos,
		Remainder: remainder,
		Err:       fmt.Errorf("%w: "+format, append([]any{err}, args...)...),
	}
}

func (ctx *ParserContext) peek() (byte, error) {
	if ctx.pos >= len(ctx.input) {
		return 0, ctx.fail(ErrUnexpectedEOF, "need one more byte")
	}
	return ctx.input[ctx.pos], nil
}

func (ctx *ParserContext) consume(want byte, what string) error {
	c, err := ctx.peek()
	if err != nil {
		return err
	}
	if c != want {
		return ctx.fail(ErrMalformedInput, "expected %q %s, found %q", want, what, c)
	}
	ctx.pos++
	return nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (ctx *ParserContext) finish(val *BencodeValue, start int) *BencodeValue {
	val.raw = ctx.input[start:ctx.pos:ctx.pos]
	val.Size = ctx.pos - start
	return val
}

func (ctx *ParserContext) parseValue() (*BencodeValue, error) {
	c, err := ctx.peek()
	if err != nil {
		return nil, err
	}

	switch {
	case c == 'd', c == 'l':
		if ctx.depth >= MaxDepth {
			return nil, ctx.fail(ErrMalformedInput, "nesting deeper than %d", MaxDepth)
		}
		ctx.depth++
		defer func() { ctx.depth-- }()
		if c == 'd' {
			return ctx.parseDict()
		}
		return ctx.parseList()
	case c == 'i':
		return ctx.parseInteger()
	case isDigit(c):
		return ctx.parseString()
	default:
		return nil, ctx.fail(ErrMalformedInput, "unknown element type %q", c)
	}
}

// digits consumes a run of decimal digits and returns it. An empty run is
// malformed.
func (ctx *ParserContext) digits() ([]byte, error) {
	start := ctx.pos
	for ctx.pos < len(ctx.input) && isDigit(ctx.input[ctx.pos]) {
		ctx.pos++
	}
	if ctx.pos == start {
		if ctx.pos >= len(ctx.input) {
			return nil, ctx.fail(ErrUnexpectedEOF, "expected digits")
		}
		return nil, ctx.fail(ErrMalformedInput, "expected digits, found %q", ctx.input[ctx.pos])
	}
	return ctx.input[start:ctx.pos], nil
}

func (ctx *ParserContext) parseInteger() (*BencodeValue, error) {
	start := ctx.pos
	ctx.pos++ // 'i'

	negative := ctx.pos < len(ctx.input) && ctx.input[ctx.pos] == '-'
	if negative {
		ctx.pos++
	}

	magnitude, err := ctx.digits()
	if err != nil {
		return nil, err
	}
	if len(magnitude) > 1 && magnitude[0] == '0' {
		return nil, ctx.fail(ErrMalformedInput, "integer %q has leading zeros", magnitude)
	}
	if negative && magnitude[0] == '0' {
		return nil, ctx.fail(ErrMalformedInput, "negative zero")
	}

	digit, err := strconv.ParseInt(string(ctx.input[start+1:ctx.pos]), 10, 64)
	if err != nil {
		return nil, ctx.fail(ErrMalformedInput, "integer out of range")
	}

	if err := ctx.consume('e', "after integer"); err != nil {
		return nil, err
	}

	return ctx.finish(&BencodeValue{
		ValueType:    BencodeInteger,
		IntegerValue: digit,
	}, start), nil
}

func (ctx *ParserContext) parseString() (*BencodeValue, error) {
	start := ctx.pos

	length, err := ctx.digits()
	if err != nil {
		return nil, err
	}

	strSize, err := strconv.Atoi(string(length))
	if err != nil {
		return nil, ctx.fail(ErrMalformedInput, "string length out of range")
	}

	if err := ctx.consume(':', "after string length"); err != nil {
		return nil, err
	}

	if strSize > len(ctx.input)-ctx.pos {
		return nil, ctx.fail(ErrUnexpectedEOF, "string of %d bytes, %d available", strSize, len(ctx.input)-ctx.pos)
	}

	val := BencodeValue{
		ValueType:   BencodeString,
		StringValue: make([]byte, strSize),
	}
	copy(val.StringValue, ctx.input[ctx.pos:ctx.pos+strSize])
	ctx.pos += strSize

	return ctx.finish(&val, start), nil
}

func (ctx *ParserContext) parseList() (*BencodeValue, error) {
	start := ctx.pos
	ctx.pos++ // 'l'

	valList := make([]*BencodeValue, 0)

	for {
		c, err := ctx.peek()
		if err != nil {
			return nil, err
		}
		if c == 'e' {
			break
		}

		value, err := ctx.parseValue()
		if err != nil {
			return nil, err
		}
		valList = append(valList, value)
	}
	ctx.pos++

	return ctx.finish(&BencodeValue{
		ValueType: BencodeList,
		ListValue: valList,
	}, start), nil
}

func (ctx *ParserContext) parseDict() (*BencodeValue, error) {
	start := ctx.pos
	ctx.pos++ // 'd'

	entries := make(map[string]*BencodeValue)

	for {
		c, err := ctx.peek()
		if err != nil {
			return nil, err
		}
		if c == 'e' {
			break
		}
		if !isDigit(c) {
			return nil, ctx.fail(ErrMalformedInput, "dictionary key must be a byte string, found %q", c)
		}

		keyStart := ctx.pos
		key, err := ctx.parseString()
		if err != nil {
			return nil, err
		}
		if len(key.StringValue) == 0 {
			ctx.pos = keyStart
			return nil, ctx.fail(ErrMalformedInput, "empty dictionary key")
		}

		value, err := ctx.parseValue()
		if err != nil {
			return nil, err
		}

		// later duplicates win
		entries[string(key.StringValue)] = value
	}
	ctx.pos++

	return ctx.finish(&BencodeValue{
		ValueType: BencodeDict,
		DictValue: entries,
	}, start), nil
}

// IsSyntaxError reports whether err came from the decoder.
func IsSyntaxError(err error) bool {
	var se *SyntaxError
	return errors.As(err, &se)
}
