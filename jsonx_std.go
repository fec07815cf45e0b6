//go:build nojsonsimd

package main

import "encoding/json"

func fastJSONMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func fastJSONMarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func fastJSONUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
