package connector

import (
	"fmt"

	"github.com/scadakit/iec104"
)

/*
PointMapping binds one platform-side key (an attribute or RPC method name) to
one controllable information object address and the command type used to
drive it.
*/
type PointMapping struct {
	Key       string
	Address   iec104.IOA
	Command   iec104.CommandType
	Qualifier byte
}

type mappingTable map[string]PointMapping

func buildMappings(points []PointMapping) (mappingTable, error) {
	m := make(mappingTable, len(points))
	for _, p := range points {
		if p.Key == "" {
			return nil, fmt.Errorf("point mapping for ioa %d without key", p.Address)
		}
		if _, dup := m[p.Key]; dup {
			return nil, fmt.Errorf("duplicate point mapping key %q", p.Key)
		}
		m[p.Key] = p
	}
	return m, nil
}

// toFloat converts the JSON-ish values arriving from the platform into the
// engine's command value.
func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}
