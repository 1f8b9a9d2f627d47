package relay

import (
	"github.com/vinayprograms/awarekit/wire"
)

// encodeEnvelope prefixes an update with the sending node id:
//
//	node varstring, then the update bytes unchanged
func encodeEnvelope(node string, update []byte) []byte {
	enc := wire.NewEncoder(len(node) + len(update) + 2)
	enc.WriteVarString(node)
	enc.WriteRaw(update)
	return enc.Bytes()
}

// decodeEnvelope splits an envelope into node id and update.
func decodeEnvelope(data []byte) (node string, update []byte, err error) {
	d := wire.NewDecoder(data)
	node, err = d.ReadVarString()
	if err != nil {
		return "", nil, err
	}
	return node, d.Rest(), nil
}
