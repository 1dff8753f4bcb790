package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession() Session {
	var s Session
	for i := range s {
		s[i] = byte(i + 1)
	}
	return s
}

func fullWindow(v ID) []ID {
	acks := make([]ID, MaxAcks)
	for i := range acks {
		acks[i] = v + ID(i)
	}
	return acks
}

func TestRoundTrip(t *testing.T) {
	session := testSession()

	tests := []struct {
		name string
		pkt  *Packet
	}{
		{"auth", &Packet{ID: 21, Acks: fullWindow(1), Body: Auth{Name: "konkito", Path: "./data.txt"}}},
		{"auth unauthenticated", &Packet{ID: 0, Acks: make([]ID, MaxAcks), Body: Auth{Name: "a", Path: "b/c", Secret: "s"}}},
		{"auth response accepted", &Packet{ID: 1, Body: AuthResponse{Accepted: true, Session: session}}},
		{"auth response rejected", &Packet{ID: 2, Acks: []ID{9}, Body: AuthResponse{}}},
		{"headers", &Packet{ID: 3, Body: Headers{Session: session, ContentLength: 1 << 40}}},
		{"headers extra", &Packet{ID: 4, Body: Headers{Session: session, ContentLength: 7, Extra: map[string]string{"b": "2", "a": "1", "": "empty"}}}},
		{"file content", &Packet{ID: 65535, Acks: fullWindow(100), Body: FileContent{Session: session, Cursor: 8087, Bytes: bytes.Repeat([]byte{1}, 53)}}},
		{"file content empty", &Packet{ID: 5, Body: FileContent{Session: session}}},
		{"finished", &Packet{ID: 6, Body: Finished{Session: session}}},
		{"tick", &Packet{ID: 0, Acks: fullWindow(40), Body: Tick{Session: session}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.pkt)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.pkt, got)
		})
	}
}

func TestDecodeEmptyAsNil(t *testing.T) {
	tests := []*Packet{
		{ID: 1, Acks: []ID{}, Body: Tick{Session: testSession()}},
		{ID: 2, Body: FileContent{Session: testSession(), Cursor: 3, Bytes: []byte{}}},
		{ID: 3, Body: Headers{Session: testSession(), ContentLength: 0, Extra: map[string]string{}}},
	}
	for _, in := range tests {
		raw, err := Encode(in)
		require.NoError(t, err)
		out, err := Decode(raw)
		require.NoError(t, err)

		assert.Nil(t, out.Acks)
		switch b := out.Body.(type) {
		case FileContent:
			assert.Nil(t, b.Bytes)
			assert.Equal(t, uint64(3), b.Cursor)
		case Headers:
			assert.Nil(t, b.Extra)
		}
		assert.Equal(t, in.Body.Kind(), out.Body.Kind())
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	extra := map[string]string{}
	for _, k := range []string{"zeta", "alpha", "mid", "omega", "beta"} {
		extra[k] = k + "-value"
	}
	p := &Packet{ID: 9, Body: Headers{Session: testSession(), ContentLength: 10, Extra: extra}}

	first, err := Encode(p)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Encode(p)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestWireFormIsReversed(t *testing.T) {
	p := &Packet{ID: 0x0102, Acks: []ID{0x0304}, Body: Tick{Session: testSession()}}

	raw, err := Encode(p)
	require.NoError(t, err)

	base := make([]byte, len(raw))
	copy(base, raw)
	reverse(base)

	assert.Equal(t, uint16(0x0102), binary.BigEndian.Uint16(base[0:2]))
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(base[2:4]))
	assert.Equal(t, uint16(0x0304), binary.BigEndian.Uint16(base[4:6]))
	assert.Equal(t, byte(KindTick), base[6])
	assert.Equal(t, testSession().String(), Session(base[7:23]).String())
	assert.Len(t, raw, 23)
}

func TestDecodeDoesNotModifyInput(t *testing.T) {
	raw, err := Encode(&Packet{ID: 3, Body: Finished{Session: testSession()}})
	require.NoError(t, err)
	snapshot := append([]byte(nil), raw...)

	_, err = Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, snapshot, raw)
}

func TestOverheadMatchesEncoding(t *testing.T) {
	p := &Packet{ID: 1, Acks: fullWindow(1), Body: FileContent{Session: testSession(), Cursor: 42}}
	raw, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, Overhead(MaxAcks), len(raw))

	p.Body = FileContent{Session: testSession(), Bytes: make([]byte, 100)}
	raw, err = Encode(p)
	require.NoError(t, err)
	assert.Equal(t, Overhead(MaxAcks)+100, len(raw))
}

func TestEncodeRejects(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrNilBody)

	_, err = Encode(&Packet{ID: 1})
	assert.ErrorIs(t, err, ErrNilBody)

	_, err = Encode(&Packet{ID: 1, Acks: make([]ID, MaxAcks+1), Body: Tick{}})
	assert.Error(t, err)
}

// wire encodes a base layout given in reading order.
func wire(base []byte) []byte {
	out := append([]byte(nil), base...)
	reverse(out)
	return out
}

func TestDecodeMalformed(t *testing.T) {
	session := testSession()
	valid, err := Encode(&Packet{ID: 7, Acks: []ID{1, 2}, Body: FileContent{Session: session, Cursor: 5, Bytes: []byte("hello")}})
	require.NoError(t, err)

	tooManyAcks := []byte{0, 1, 0, MaxAcks + 1}
	badKind := []byte{0, 1, 0, 0, 99}
	badBool := append([]byte{0, 1, 0, 0, byte(KindAuthResponse), 2}, session[:]...)
	hugeCursor := append(append([]byte{0, 1, 0, 0, byte(KindFileContent)}, session[:]...), append([]byte{1}, make([]byte, 15+4)...)...)
	hugeLength := []byte{0, 1, 0, 0, byte(KindAuth), 0xff, 0xff, 0xff, 0xff}
	trailing := append(append([]byte{0, 1, 0, 0, byte(KindTick)}, session[:]...), 0)
	unsortedMap := append(append([]byte{0, 1, 0, 0, byte(KindHeaders)}, session[:]...), make([]byte, 16)...)
	unsortedMap = append(unsortedMap, 0, 0, 0, 2, 0, 0, 0, 1, 'b', 0, 0, 0, 0, 0, 0, 0, 1, 'a', 0, 0, 0, 0)
	hugeMap := append(append([]byte{0, 1, 0, 0, byte(KindHeaders)}, session[:]...), make([]byte, 16)...)
	hugeMap = append(hugeMap, 0xff, 0xff, 0xff, 0xff)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one byte", []byte{1}},
		{"header only", wire([]byte{0, 1, 0, 0})},
		{"truncated valid", valid[1:]},
		{"truncated tail", valid[:len(valid)-1]},
		{"too many acks", wire(tooManyAcks)},
		{"unknown kind", wire(badKind)},
		{"bool out of range", wire(badBool)},
		{"cursor above 64 bits", wire(hugeCursor)},
		{"length prefix beyond input", wire(hugeLength)},
		{"trailing bytes", wire(trailing)},
		{"unsorted map keys", wire(unsortedMap)},
		{"map count beyond input", wire(hugeMap)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.data)
			assert.Nil(t, p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPacket), "got %v", err)
		})
	}
}

func TestSessionOf(t *testing.T) {
	s := testSession()

	got, ok := SessionOf(FileContent{Session: s})
	assert.True(t, ok)
	assert.Equal(t, s, got)

	_, ok = SessionOf(Auth{})
	assert.False(t, ok)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "file_content", KindFileContent.String())
	assert.Equal(t, "kind(200)", Kind(200).String())
}

func TestNewSession(t *testing.T) {
	a, err := NewSession()
	require.NoError(t, err)
	b, err := NewSession()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.False(t, a.IsZero())
	assert.Len(t, a.String(), 32)
}

func FuzzDecode(f *testing.F) {
	seed, _ := Encode(&Packet{ID: 1, Acks: []ID{1, 2, 3}, Body: Headers{Session: testSession(), ContentLength: 3, Extra: map[string]string{"k": "v"}}})
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 1})

	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := Decode(data)
		if err != nil {
			return
		}
		raw, err := Encode(p)
		if err != nil {
			t.Fatalf("re-encode of decoded packet failed: %v", err)
		}
		again, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode of re-encoded packet failed: %v", err)
		}
		assert.Equal(t, p, again)
	})
}
