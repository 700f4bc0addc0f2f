package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
)

const (
	p2StructName  byte = 0x00
	p2StructField byte = 0xff
	p2ArraySize   byte = 0x0f
	p1Complete    byte = 0x00
	p1Partial     byte = 0x01
	p2FullMode    byte = 0x01
	domainType         = "EIP712Domain"
	maxArrayItems      = 0xff
)

// Field type ids of the struct definition encoding.
const (
	typeCustom byte = iota
	typeInt
	typeUint
	typeAddress
	typeBool
	typeString
	typeFixedBytes
	typeDynamicBytes
)

var (
	fieldTypeRe  = regexp.MustCompile(`^([A-Za-z_$][A-Za-z0-9_$]*)((?:\[\d*\])*)$`)
	arrayLevelRe = regexp.MustCompile(`\[(\d*)\]`)
)

type fieldType struct {
	base   string
	arrays []int // -1 for dynamic levels, outermost last
}

func parseFieldType(t string) (fieldType, error) {
	m := fieldTypeRe.FindStringSubmatch(t)
	if m == nil {
		return fieldType{}, errors.Errorf("eip712: invalid type %q", t)
	}
	ft := fieldType{base: m[1]}
	for _, level := range arrayLevelRe.FindAllStringSubmatch(m[2], -1) {
		if level[1] == "" {
			ft.arrays = append(ft.arrays, -1)
			continue
		}
		n, err := strconv.Atoi(level[1])
		if err != nil {
			return fieldType{}, errors.Wrapf(err, "eip712: array size in %q", t)
		}
		ft.arrays = append(ft.arrays, n)
	}
	return ft, nil
}

// elem strips the outermost array level.
func (f fieldType) elem() fieldType {
	return fieldType{base: f.base, arrays: f.arrays[:len(f.arrays)-1]}
}

// primitive returns the type id and size in bytes of a non struct base type.
func primitive(base string) (id byte, size int, ok bool, err error) {
	switch {
	case base == "address":
		return typeAddress, 0, true, nil
	case base == "bool":
		return typeBool, 0, true, nil
	case base == "string":
		return typeString, 0, true, nil
	case base == "bytes":
		return typeDynamicBytes, 0, true, nil
	case strings.HasPrefix(base, "bytes"):
		n, err := strconv.Atoi(base[len("bytes"):])
		if err != nil {
			break
		}
		if n < 1 || n > 32 {
			return 0, 0, true, errors.Errorf("eip712: invalid type %q", base)
		}
		return typeFixedBytes, n, true, nil
	case strings.HasPrefix(base, "uint"), strings.HasPrefix(base, "int"):
		id, digits := typeInt, strings.TrimPrefix(base, "int")
		if strings.HasPrefix(base, "uint") {
			id, digits = typeUint, strings.TrimPrefix(base, "uint")
		}
		if digits == "" {
			return id, 32, true, nil
		}
		bits, err := strconv.Atoi(digits)
		if err != nil {
			break
		}
		if bits%8 != 0 || bits < 8 || bits > 256 {
			return 0, 0, true, errors.Errorf("eip712: invalid type %q", base)
		}
		return id, bits / 8, true, nil
	}
	return typeCustom, 0, false, nil
}

// encodeFieldDefinition builds the payload describing one struct member.
func encodeFieldDefinition(field apitypes.Type) ([]byte, error) {
	ft, err := parseFieldType(field.Type)
	if err != nil {
		return nil, err
	}
	id, size, isPrimitive, err := primitive(ft.base)
	if err != nil {
		return nil, err
	}

	desc := id
	if len(ft.arrays) > 0 {
		desc |= 0x80
	}
	if size > 0 {
		desc |= 0x40
	}

	out := []byte{desc}
	if !isPrimitive {
		out = append(out, byte(len(ft.base)))
		out = append(out, ft.base...)
	}
	if size > 0 {
		out = append(out, byte(size))
	}
	if len(ft.arrays) > 0 {
		out = append(out, byte(len(ft.arrays)))
		for _, n := range ft.arrays {
			if n < 0 {
				out = append(out, 0x00)
			} else {
				out = append(out, 0x01, byte(n))
			}
		}
	}
	out = append(out, byte(len(field.Name)))
	return append(out, field.Name...), nil
}

// SignEIP712Message uploads the type definitions and the values of td and
// asks the device to sign it with the fields rendered on screen. Firmware
// without this feature answers with SWINSNotSupported on the first command.
func (a *App) SignEIP712Message(ctx context.Context, path string, td apitypes.TypedData) (Signature, error) {
	pathBytes, err := encodePath(path)
	if err != nil {
		return Signature{}, err
	}
	if err := a.sendStructDefinitions(ctx, td.Types); err != nil {
		return Signature{}, err
	}

	if err := a.sendStructImplementation(ctx, td.Types, domainType, td.Domain.Map()); err != nil {
		return Signature{}, errors.Wrap(err, "eip712 domain")
	}
	if err := a.sendStructImplementation(ctx, td.Types, td.PrimaryType, td.Message); err != nil {
		return Signature{}, errors.Wrap(err, "eip712 message")
	}

	reply, err := a.send(ctx, Command{CLA: claEthereum, INS: insSignEIP712, P1: 0x00, P2: p2FullMode, Data: pathBytes})
	if err != nil {
		return Signature{}, err
	}
	return parseSignature(reply)
}

func (a *App) sendStructDefinitions(ctx context.Context, types apitypes.Types) error {
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := a.send(ctx, Command{CLA: claEthereum, INS: insEIP712StructDef, P2: p2StructName, Data: []byte(name)}); err != nil {
			return err
		}
		for _, field := range types[name] {
			def, err := encodeFieldDefinition(field)
			if err != nil {
				return err
			}
			if _, err := a.send(ctx, Command{CLA: claEthereum, INS: insEIP712StructDef, P2: p2StructField, Data: def}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *App) sendStructImplementation(ctx context.Context, types apitypes.Types, name string, data map[string]any) error {
	if _, ok := types[name]; !ok {
		return errors.Errorf("eip712: unknown type %q", name)
	}
	if _, err := a.send(ctx, Command{CLA: claEthereum, INS: insEIP712StructImpl, P1: p1Complete, P2: p2StructName, Data: []byte(name)}); err != nil {
		return err
	}
	return a.sendStructFields(ctx, types, name, data)
}

func (a *App) sendStructFields(ctx context.Context, types apitypes.Types, name string, data map[string]any) error {
	for _, field := range types[name] {
		ft, err := parseFieldType(field.Type)
		if err != nil {
			return err
		}
		if err := a.sendValue(ctx, types, ft, data[field.Name]); err != nil {
			return errors.Wrapf(err, "field %s.%s", name, field.Name)
		}
	}
	return nil
}

func (a *App) sendValue(ctx context.Context, types apitypes.Types, ft fieldType, value any) error {
	if len(ft.arrays) > 0 {
		items, ok := value.([]any)
		if !ok {
			return errors.Errorf("eip712: expected array, got %T", value)
		}
		if n := ft.arrays[len(ft.arrays)-1]; n >= 0 && n != len(items) {
			return errors.Errorf("eip712: expected %d items, got %d", n, len(items))
		}
		if len(items) > maxArrayItems {
			return errors.Errorf("eip712: array of %d items exceeds %d", len(items), maxArrayItems)
		}
		if _, err := a.send(ctx, Command{CLA: claEthereum, INS: insEIP712StructImpl, P1: p1Complete, P2: p2ArraySize, Data: []byte{byte(len(items))}}); err != nil {
			return err
		}
		for _, item := range items {
			if err := a.sendValue(ctx, types, ft.elem(), item); err != nil {
				return err
			}
		}
		return nil
	}

	if _, ok := types[ft.base]; ok {
		if nested, ok := value.(map[string]any); ok {
			return a.sendStructFields(ctx, types, ft.base, nested)
		}
		return errors.Errorf("eip712: expected struct %s, got %T", ft.base, value)
	}

	encoded, err := encodeFieldValue(ft.base, value)
	if err != nil {
		return err
	}
	payload := binary.BigEndian.AppendUint16(nil, uint16(len(encoded)))
	payload = append(payload, encoded...)
	for len(payload) > 0 {
		n := min(maxChunk, len(payload))
		p1 := p1Partial
		if n == len(payload) {
			p1 = p1Complete
		}
		if _, err := a.send(ctx, Command{CLA: claEthereum, INS: insEIP712StructImpl, P1: p1, P2: p2StructField, Data: payload[:n]}); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// encodeFieldValue encodes a primitive value the way the device expects:
// integers as minimal big endian two's complement of the declared width,
// addresses and bytes raw, strings as UTF-8.
func encodeFieldValue(base string, value any) ([]byte, error) {
	id, size, _, err := primitive(base)
	if err != nil {
		return nil, err
	}
	switch id {
	case typeInt, typeUint:
		n, err := toBigInt(value)
		if err != nil {
			return nil, err
		}
		if n.Sign() < 0 {
			if id == typeUint {
				return nil, errors.Errorf("eip712: negative value for %s", base)
			}
			n = new(big.Int).Add(n, new(big.Int).Lsh(big.NewInt(1), uint(size*8)))
		}
		if b := n.Bytes(); len(b) > 0 {
			return b, nil
		}
		return []byte{0x00}, nil
	case typeBool:
		switch v := value.(type) {
		case bool:
			if v {
				return []byte{0x01}, nil
			}
			return []byte{0x00}, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, errors.Wrap(err, "eip712: bool")
			}
			return encodeFieldValue(base, b)
		}
		return nil, errors.Errorf("eip712: invalid bool %T", value)
	case typeAddress:
		switch v := value.(type) {
		case common.Address:
			return v.Bytes(), nil
		case string:
			if common.IsHexAddress(v) {
				return common.HexToAddress(v).Bytes(), nil
			}
		}
		return nil, errors.Errorf("eip712: invalid address %v", value)
	case typeString:
		s, ok := value.(string)
		if !ok {
			return nil, errors.Errorf("eip712: invalid string %T", value)
		}
		return []byte(s), nil
	default:
		b, err := toBytes(value)
		if err != nil {
			return nil, err
		}
		if id == typeFixedBytes && len(b) > size {
			return nil, errors.Errorf("eip712: %d bytes do not fit %s", len(b), base)
		}
		return b, nil
	}
}

func toBigInt(value any) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case *math.HexOrDecimal256:
		return new(big.Int).Set((*big.Int)(v)), nil
	case math.HexOrDecimal256:
		b := big.Int(v)
		return new(big.Int).Set(&b), nil
	case string:
		n, ok := math.ParseBig256(v)
		if !ok {
			if neg, ok := new(big.Int).SetString(v, 10); ok {
				return neg, nil
			}
			return nil, errors.Errorf("eip712: invalid integer %q", v)
		}
		return n, nil
	case json.Number:
		return toBigInt(string(v))
	case float64:
		if v != float64(int64(v)) {
			return nil, errors.Errorf("eip712: non integral number %v", v)
		}
		return big.NewInt(int64(v)), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	}
	return nil, errors.Errorf("eip712: invalid integer type %T", value)
}

func toBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case hexutil.Bytes:
		return v, nil
	case string:
		b, err := hexutil.Decode(v)
		if err != nil {
			return nil, errors.Wrapf(err, "eip712: invalid bytes %q", v)
		}
		return b, nil
	}
	return nil, errors.Errorf("eip712: invalid bytes type %T", value)
}
