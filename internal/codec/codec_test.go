package codec

import (
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingResolver struct {
	apps     []string
	settings []Settings
}

func (r *recordingResolver) ResolveInstance(app string, s Settings) {
	r.apps = append(r.apps, app)
	r.settings = append(r.settings, s)
}

func TestFirestoreRoundTrip(t *testing.T) {
	large, _ := new(big.Int).SetString("123456789abcdef0123456789", 16)
	cases := map[string]any{
		"null":        nil,
		"bool":        true,
		"int32":       int32(-7),
		"int64":       int64(1) << 40,
		"large":       large,
		"float":       3.25,
		"nan":         math.NaN(),
		"inf":         math.Inf(1),
		"neginf":      math.Inf(-1),
		"string":      "héllo",
		"bytes":       []byte{1, 2, 3},
		"int32list":   []int32{1, -2},
		"int64list":   []int64{1 << 40},
		"float32list": []float32{1.5},
		"float64list": []float64{1.5, math.NaN()},
		"timestamp":   Timestamp{Seconds: 1700000000, Nanos: 123},
		"geo":         GeoPoint{Latitude: 45.5, Longitude: -73.6},
		"blob":        Blob{0xde, 0xad},
		"ref":         DocumentReference{App: "[DEFAULT]", Path: "users/ada"},
		"fieldpath":   FieldPath{"a.b", "c"},
		"docid":       DocumentID{},
		"delete":      Delete,
		"servertime":  ServerTimestamp,
		"incint":      IncrementInt(3),
		"incfloat":    IncrementFloat(0.5),
		"union":       ArrayUnion{"x", int32(1)},
		"remove":      ArrayRemove{"y"},
		"instance":    FirestoreInstance{App: "other", Settings: Settings{"host": "localhost:8080"}},
		"query":       QueryDescriptor{"path": "users", "isCollectionGroup": false},
		"settings":    Settings{"persistenceEnabled": true},
		"nested": map[string]any{
			"list": []any{int32(1), "two", map[string]any{"n": math.NaN()}},
		},
	}
	c := Firestore(nil)
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := c.Encode(v)
			require.NoError(t, err)
			got, err := c.Decode(b)
			require.NoError(t, err)
			assert.True(t, Equal(v, got), "want %#v got %#v", v, got)
		})
	}
}

func TestTimeEncodesAsTimestamp(t *testing.T) {
	c := Firestore(nil)
	at := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)
	b, err := c.Encode(at)
	require.NoError(t, err)
	require.Equal(t, tagTimestamp, b[0])
	got, err := c.Decode(b)
	require.NoError(t, err)
	ts, ok := got.(Timestamp)
	require.True(t, ok)
	assert.True(t, ts.Time().Equal(at))
}

func TestDateTimeDecodesLegacyMillis(t *testing.T) {
	w := &Writer{}
	w.PutByte(tagDateTime)
	w.PutInt64(1000)
	got, err := Firestore(nil).Decode(w.Bytes())
	require.NoError(t, err)
	require.Equal(t, DateTime(1000), got)
	assert.Equal(t, int64(1), got.(DateTime).Time().Unix())

	b, err := Firestore(nil).Encode(got)
	require.NoError(t, err)
	assert.Equal(t, tagTimestamp, b[0], "legacy values are re-encoded as timestamps")
}

func TestBaseDecoderRecoversStructure(t *testing.T) {
	v := map[string]any{
		"a": []any{int32(1), int64(1) << 35, "s", 2.5, nil, false},
		"b": []byte("raw"),
		"c": map[string]any{"d": []float64{1, 2}},
	}
	b, err := Firestore(nil).Encode(v)
	require.NoError(t, err)
	got, err := Standard().Decode(b)
	require.NoError(t, err)
	assert.True(t, Equal(v, got))

	b, err = Standard().Encode(v)
	require.NoError(t, err)
	got, err = Firestore(nil).Decode(b)
	require.NoError(t, err)
	assert.True(t, Equal(v, got))
}

func TestUnknownExtensionTag(t *testing.T) {
	c := Firestore(nil)
	_, err := c.Decode([]byte{200})
	require.ErrorIs(t, err, ErrMalformedValue)
	assert.Contains(t, err.Error(), "200")

	// A list whose second element carries an unknown tag.
	_, err = c.Decode([]byte{tagList, 2, tagTrue, 199})
	require.ErrorIs(t, err, ErrMalformedValue)

	// The codec holds no state, so later reads are unaffected.
	b, err := c.Encode("ok")
	require.NoError(t, err)
	got, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestExtensionTagsRejectedByStandard(t *testing.T) {
	b, err := Firestore(nil).Encode(GeoPoint{Latitude: 1, Longitude: 2})
	require.NoError(t, err)
	_, err = Standard().Decode(b)
	require.ErrorIs(t, err, ErrMalformedValue)
}

func TestTruncatedInput(t *testing.T) {
	b, err := Firestore(nil).Encode(map[string]any{"k": "value"})
	require.NoError(t, err)
	for i := 1; i < len(b); i++ {
		_, err := Firestore(nil).Decode(b[:i])
		require.ErrorIs(t, err, ErrMalformedValue, "prefix %d", i)
	}
}

func TestTrailingBytesRejected(t *testing.T) {
	_, err := Standard().Decode([]byte{tagTrue, tagFalse})
	require.ErrorIs(t, err, ErrMalformedValue)
}

func TestAlignment(t *testing.T) {
	b, err := Standard().Encode(1.0)
	require.NoError(t, err)
	require.Len(t, b, 16)
	assert.Equal(t, tagFloat64, b[0])
	assert.Equal(t, make([]byte, 7), b[1:8])

	b, err = Firestore(nil).Encode(GeoPoint{Latitude: 1, Longitude: 2})
	require.NoError(t, err)
	require.Len(t, b, 24)

	// tag, size, 2 bytes padding, 4 bytes of data
	b, err = Standard().Encode([]int32{9})
	require.NoError(t, err)
	assert.Equal(t, []byte{tagInt32List, 1, 0, 0, 9, 0, 0, 0}, b)
}

func TestSizeEncoding(t *testing.T) {
	for _, n := range []int{0, 253, 254, 65535, 65536} {
		w := &Writer{}
		w.PutSize(n)
		w.PutBytes(make([]byte, n))
		r := NewReader(w.Bytes())
		got, err := r.Size()
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestIntWidth(t *testing.T) {
	b, err := Standard().Encode(42)
	require.NoError(t, err)
	assert.Equal(t, tagInt32, b[0])
	b, err = Standard().Encode(math.MaxInt32 + 1)
	require.NoError(t, err)
	assert.Equal(t, tagInt64, b[0])
}

func TestMapKeysMustBeStrings(t *testing.T) {
	_, err := Standard().Decode([]byte{tagMap, 1, tagInt32, 1, 0, 0, 0, tagNull})
	require.ErrorIs(t, err, ErrMalformedValue)
	_, err = Standard().Encode(map[int]string{1: "a"})
	require.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestReflectFallback(t *testing.T) {
	b, err := Standard().Encode(map[string][]string{"k": {"a", "b"}})
	require.NoError(t, err)
	got, err := Standard().Decode(b)
	require.NoError(t, err)
	assert.True(t, Equal(map[string]any{"k": []any{"a", "b"}}, got))
}

func TestResolverSeesInstances(t *testing.T) {
	res := &recordingResolver{}
	enc := Firestore(nil)
	b, err := enc.Encode([]any{
		FirestoreInstance{App: "one", Settings: Settings{"sslEnabled": false}},
		DocumentReference{App: "two", Path: "c/d"},
	})
	require.NoError(t, err)
	_, err = Firestore(res).Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, res.apps)
	assert.Equal(t, false, res.settings[0]["sslEnabled"])
	assert.Nil(t, res.settings[1])
}

func TestMethodCodec(t *testing.T) {
	mc := MethodCodec{Values: Firestore(nil)}
	b, err := mc.EncodeCall(MethodCall{Method: "DocumentReference#get", Arguments: map[string]any{"path": "a/b"}})
	require.NoError(t, err)
	call, err := mc.DecodeCall(b)
	require.NoError(t, err)
	assert.Equal(t, "DocumentReference#get", call.Method)
	args, err := call.Args()
	require.NoError(t, err)
	assert.Equal(t, "a/b", args["path"])

	b, err = mc.EncodeSuccess(int32(5))
	require.NoError(t, err)
	v, err := mc.DecodeReply(b)
	require.NoError(t, err)
	assert.Equal(t, int32(5), v)

	b, err = mc.EncodeError("cloud_firestore", "boom", map[string]any{"code": "aborted"})
	require.NoError(t, err)
	_, err = mc.DecodeReply(b)
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "cloud_firestore", re.Code)
	assert.Equal(t, "boom", re.Message)
	assert.Equal(t, map[string]any{"code": "aborted"}, re.Details)

	_, err = mc.DecodeReply(mc.EncodeNotImplemented())
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestErrorReplyWithStacktrace(t *testing.T) {
	mc := MethodCodec{Values: Standard()}
	b, err := mc.EncodeError("code", "msg", nil)
	require.NoError(t, err)
	w := &Writer{}
	w.PutBytes(b)
	require.NoError(t, mc.Values.WriteValue(w, "at main"))
	_, err = mc.DecodeReply(w.Bytes())
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "msg", re.Message)
}

func TestNilArgumentsAreEmptyMap(t *testing.T) {
	args, err := MethodCall{Method: "m"}.Args()
	require.NoError(t, err)
	assert.Empty(t, args)
	_, err = MethodCall{Method: "m", Arguments: "x"}.Args()
	assert.ErrorIs(t, err, ErrMalformedValue)
}
