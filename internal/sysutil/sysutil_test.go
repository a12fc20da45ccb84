package sysutil

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestCompressRoundTrip(t *testing.T) {
	Convey("Decompress(Compress(data)) == data", t, func() {
		data := []byte("some blob content, repeated repeated repeated")
		compressed, err := Compress(data)
		So(err, ShouldBeNil)
		So(len(compressed), ShouldBeLessThan, len(data)*2)

		decompressed, err := Decompress(compressed)
		So(err, ShouldBeNil)
		So(decompressed, ShouldResemble, data)
	})
}

func TestHashKeyIsStableAndContentDependent(t *testing.T) {
	Convey("HashKey is deterministic and distinguishes different content", t, func() {
		a := HashKey([]byte("alpha"))
		b := HashKey([]byte("alpha"))
		c := HashKey([]byte("beta"))
		So(a, ShouldEqual, b)
		So(a, ShouldNotEqual, c)
		So(len(a), ShouldEqual, 32)
	})
}
