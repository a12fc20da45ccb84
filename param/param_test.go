package param

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sb10/cmdproxy/cmderr"
)

func TestFileParamConstruction(t *testing.T) {
	Convey("Given a local input file parameter", t, func() {
		p := InLocalFile("/data/in.txt")

		Convey("it knows its own classification", func() {
			So(p.IsInput(), ShouldBeTrue)
			So(p.IsOutput(), ShouldBeFalse)
			So(p.IsCloud(), ShouldBeFalse)
			So(p.Filename(), ShouldEqual, "in.txt")
		})

		Convey("AsCloud produces the cloud sibling with an identical path and hostname", func() {
			cloud := p.AsCloud()
			So(cloud.IsCloud(), ShouldBeTrue)
			So(cloud.IsInput(), ShouldBeTrue)
			So(cloud.Path(), ShouldEqual, p.Path())
			So(cloud.Hostname(), ShouldEqual, p.Hostname())
		})

		Convey("AsCloud is idempotent (law 4)", func() {
			once := p.AsCloud()
			twice := once.AsCloud()
			So(twice, ShouldResemble, once)
		})
	})

	Convey("Given a cloud output file parameter with a relative path", t, func() {
		p := OutCloudFile("results/r.bin", "node42")

		Convey("it is cloud-only", func() {
			So(p.IsCloudOnly(), ShouldBeTrue)
		})

		Convey("its canonical name embeds hostname and path", func() {
			So(p.CanonicalBlobName(), ShouldEqual, "@node42:results/r.bin")
		})
	})
}

func TestClassifierPredicates(t *testing.T) {
	Convey("Classifier predicates cover every file variant", t, func() {
		So(IsInput(InLocalFile("/a")), ShouldBeTrue)
		So(IsInput(InCloudFile("/a", "h")), ShouldBeTrue)
		So(IsInput(InStream(nil, "f")), ShouldBeTrue)
		So(IsOutput(OutLocalFile("/a")), ShouldBeTrue)
		So(IsOutput(OutCloudFile("/a", "h")), ShouldBeTrue)
		So(IsOutput(OutStream(nil, "f")), ShouldBeTrue)
		So(IsCloud(InCloudFile("/a", "h")), ShouldBeTrue)
		So(IsCloud(InLocalFile("/a")), ShouldBeFalse)

		Convey("non-file variants classify as neither input nor output", func() {
			So(IsInput(Str("x")), ShouldBeFalse)
			So(IsOutput(Str("x")), ShouldBeFalse)
			So(IsCloud(Str("x")), ShouldBeFalse)
		})
	})
}

func TestIsSerialisable(t *testing.T) {
	Convey("The serialisable subset matches spec.md §3 invariant 1", t, func() {
		So(IsSerialisable(Str("x")), ShouldBeTrue)
		So(IsSerialisable(Env("X")), ShouldBeTrue)
		So(IsSerialisable(RemoteEnv("X")), ShouldBeTrue)
		So(IsSerialisable(CmdName("cat")), ShouldBeTrue)
		So(IsSerialisable(CmdPath("/bin/cat")), ShouldBeTrue)
		So(IsSerialisable(InCloudFile("/a", "h")), ShouldBeTrue)
		So(IsSerialisable(OutCloudFile("/a", "h")), ShouldBeTrue)

		Convey("local and stream variants never are", func() {
			So(IsSerialisable(InLocalFile("/a")), ShouldBeFalse)
			So(IsSerialisable(OutLocalFile("/a")), ShouldBeFalse)
			So(IsSerialisable(InStream(nil, "f")), ShouldBeFalse)
			So(IsSerialisable(OutStream(nil, "f")), ShouldBeFalse)
		})

		Convey("a Format is serialisable only if all of its args are", func() {
			good := Format("{a}", map[string]Param{"a": Str("x")})
			bad := Format("{a}", map[string]Param{"a": InLocalFile("/a")})
			So(IsSerialisable(good), ShouldBeTrue)
			So(IsSerialisable(bad), ShouldBeFalse)
		})
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	Convey("Every serialisable variant round-trips through JSON", t, func() {
		cases := []Param{
			Str("hello"),
			Env("PATH"),
			RemoteEnv("PATH"),
			CmdName("cat"),
			CmdPath("/bin/cat"),
			InCloudFile("/tmp/a", "host1"),
			OutCloudFile("results/b", "host2"),
			Format("cat {i} > {o}", map[string]Param{
				"i": InCloudFile("/tmp/a", "host1"),
				"o": OutCloudFile("/tmp/b", "host1"),
			}),
		}

		for _, p := range cases {
			data, err := Marshal(p)
			So(err, ShouldBeNil)

			decoded, err := Unmarshal(data)
			So(err, ShouldBeNil)
			So(decoded, ShouldResemble, p)
		}
	})

	Convey("Decoding an unknown variant tag fails with EnvelopeDecode", t, func() {
		_, err := Unmarshal([]byte(`{"NoSuchVariant":{}}`))
		So(err, ShouldNotBeNil)
		So(cmderr.Is(err, cmderr.EnvelopeDecode), ShouldBeTrue)
	})
}
