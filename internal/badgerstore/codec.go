package badgerstore

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"courier/pkg/types"
)

// encMode uses Core Deterministic Encoding so the same record always
// produces identical bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("badgerstore: CBOR encoder initialization failed: " + err.Error())
	}
}

// messageRecord is the on-disk shape of a message. Integer keys keep records
// compact; timestamps are Unix nanoseconds, zero meaning unset.
type messageRecord struct {
	ID          string `cbor:"1,keyasint"`
	SenderID    string `cbor:"2,keyasint"`
	ReceiverID  string `cbor:"3,keyasint"`
	Content     string `cbor:"4,keyasint"`
	CreatedAt   int64  `cbor:"5,keyasint"`
	State       string `cbor:"6,keyasint"`
	DeliveredAt int64  `cbor:"7,keyasint,omitempty"`
	SeenAt      int64  `cbor:"8,keyasint,omitempty"`
}

type userRecord struct {
	ID          string `cbor:"1,keyasint"`
	DisplayName string `cbor:"2,keyasint"`
	CreatedAt   int64  `cbor:"3,keyasint"`
}

func encodeMessage(m *types.Message) ([]byte, error) {
	return encMode.Marshal(messageRecord{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt.UnixNano(),
		State:       string(m.State),
		DeliveredAt: unixNano(m.DeliveredAt),
		SeenAt:      unixNano(m.SeenAt),
	})
}

func decodeMessage(data []byte) (*types.Message, error) {
	var r messageRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	state, err := types.ParseState(r.State)
	if err != nil {
		return nil, err
	}
	return &types.Message{
		ID:          r.ID,
		SenderID:    r.SenderID,
		ReceiverID:  r.ReceiverID,
		Content:     r.Content,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		State:       state,
		DeliveredAt: fromUnixNano(r.DeliveredAt),
		SeenAt:      fromUnixNano(r.SeenAt),
	}, nil
}

func encodeUser(u *types.User) ([]byte, error) {
	return encMode.Marshal(userRecord{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt.UnixNano(),
	})
}

func decodeUser(data []byte) (*types.User, error) {
	var r userRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &types.User{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
	}, nil
}

func unixNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
