package decode

import (
	"strconv"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"kartgate/lexicon"
	"kartgate/models"
)

const snapshotGrid = `grid||<tbody>` +
	`<tr data-id="r0">` +
	`<td data-id="c1">Clt</td>` +
	`<td data-id="c2">Pilote</td>` +
	`<td data-id="c3">Dernier T.</td>` +
	`<td data-id="c4">Ecart</td>` +
	`<td data-id="c5"></td>` +
	`</tr>` +
	`<tr data-id="r1054">` +
	`<td>1</td><td>VERSTAPPEN</td><td>52.114</td><td></td><td>on-track</td>` +
	`</tr>` +
	`<tr data-id="r1055">` +
	`<td>2</td><td>NORRIS</td><td>52.301</td><td>+0.187</td><td>pit-in</td>` +
	`</tr>` +
	`</tbody>`

func TestClassification(t *testing.T) {
	d := New(nil)

	Convey("Given frames of each wire format", t, func() {
		Convey("A frame with a grid|| line decodes as a snapshot", func() {
			So(d.Decode(snapshotGrid).Kind, ShouldEqual, models.FrameSnapshot)
		})

		Convey("A frame with an init| line decodes as a snapshot", func() {
			f := d.Decode("init|r|\n" + snapshotGrid)
			So(f.Kind, ShouldEqual, models.FrameSnapshot)
			So(f.DriverUpdates, ShouldContainKey, "1054")
		})

		Convey("A pipe frame decodes as a delta", func() {
			So(d.Decode("r1054c3|tn|51.990").Kind, ShouldEqual, models.FrameDelta)
		})

		Convey("A snapshot frame missing its grid line is an empty no-op", func() {
			f := d.Decode("init|r|")
			So(f.Kind, ShouldEqual, models.FrameSnapshot)
			So(f.Empty(), ShouldBeTrue)
			So(f.MappingStatus, ShouldEqual, models.MappingNotApplicable)
		})
	})
}

func TestDeltaParsing(t *testing.T) {
	d := New(nil)

	Convey("Given pipe-delimited delta frames", t, func() {
		Convey("Well-formed records land on the right driver and column", func() {
			f := d.Decode("r1054c3|tn|51.990\nr1055c4|tn|+0.311")
			So(f.DriverUpdates, ShouldHaveLength, 2)
			So(f.DriverUpdates["1054"][3], ShouldResemble,
				models.ColumnValue{Code: "tn", Value: "51.990"})
			So(f.DriverUpdates["1055"][4].Value, ShouldEqual, "+0.311")
		})

		Convey("Several records for one driver merge into one update", func() {
			f := d.Decode("r7c1|tn|3\nr7c6|tn|12")
			So(f.DriverUpdates, ShouldHaveLength, 1)
			So(f.DriverUpdates["7"], ShouldHaveLength, 2)
		})

		Convey("Empty values survive as explicit empty strings", func() {
			f := d.Decode("r7c4|tn|")
			So(f.DriverUpdates["7"][4], ShouldResemble,
				models.ColumnValue{Code: "tn", Value: ""})
		})

		Convey("Malformed records are skipped without poisoning the frame", func() {
			frame := strings.Join([]string{
				"r7c3|tn|51.990",  // good
				"r7c0|tn|x",       // column below range
				"r7c15|tn|x",      // column above range
				"rc3|tn|x",        // empty driver id
				"x7c3|tn|x",       // no r prefix
				"r7c3|onlyone",    // too few fields
				"r7c3|a|b|c",      // too many fields
				"r7cc3|tn|x",      // two c separators
				"garbage",         // not a record at all
			}, "\n")
			f := d.Decode(frame)
			So(f.DriverUpdates, ShouldHaveLength, 1)
			So(f.DriverUpdates["7"], ShouldHaveLength, 1)
		})

		Convey("A frame with no valid records is empty and not applicable", func() {
			f := d.Decode("nonsense\nmore nonsense")
			So(f.Empty(), ShouldBeTrue)
			So(f.MappingStatus, ShouldEqual, models.MappingNotApplicable)
		})
	})
}

func TestSnapshotParsing(t *testing.T) {
	d := New(nil)

	Convey("Given an HTML grid snapshot", t, func() {
		f := d.Decode(snapshotGrid)

		Convey("Driver rows become HTML-coded column values", func() {
			So(f.DriverUpdates, ShouldHaveLength, 2)
			So(f.DriverUpdates["1054"][2], ShouldResemble,
				models.ColumnValue{Code: models.SnapshotCode, Value: "VERSTAPPEN"})
			So(f.DriverUpdates["1055"][4].Value, ShouldEqual, "+0.187")
		})

		Convey("Empty cells advance the column index without writing", func() {
			So(f.DriverUpdates["1054"], ShouldNotContainKey, 4)
			So(f.DriverUpdates["1054"][5].Value, ShouldEqual, "on-track")
		})

		Convey("The header row is not treated as a driver", func() {
			So(f.DriverUpdates, ShouldNotContainKey, "0")
		})

		Convey("A driver row shorter than the header loses no other row", func() {
			ragged := d.Decode(`grid||<tbody>` +
				`<tr data-id="r0"><td data-id="c1">Clt</td><td data-id="c2">Pilote</td><td data-id="c3">Tours</td></tr>` +
				`<tr data-id="r7"><td>1</td><td>NORRIS</td></tr>` +
				`<tr data-id="r8"><td>2</td><td>PIASTRI</td><td>12</td></tr>` +
				`</tbody>`)
			So(ragged.MappingStatus, ShouldEqual, models.MappingInferredOK)
			So(ragged.DriverUpdates["7"], ShouldHaveLength, 2)
			So(ragged.DriverUpdates["7"], ShouldNotContainKey, 3)
			So(ragged.DriverUpdates["8"][3].Value, ShouldEqual, "12")
		})

		Convey("Header terms resolve through the lexicon", func() {
			So(f.MappingStatus, ShouldEqual, models.MappingInferredOK)
			So(f.InferredMapping[1], ShouldEqual, lexicon.Position)
			So(f.InferredMapping[2], ShouldEqual, lexicon.Driver)
			So(f.InferredMapping[3], ShouldEqual, lexicon.LastLap)
			So(f.InferredMapping[4], ShouldEqual, lexicon.Gap)
		})

		Convey("The empty header cell maps to the status field", func() {
			So(f.InferredMapping[5], ShouldEqual, lexicon.Status)
		})
	})
}

func TestMappingInference(t *testing.T) {
	d := New(nil)

	grid := func(cells ...string) string {
		var b strings.Builder
		b.WriteString(`grid||<tbody><tr data-id="r0">`)
		for i, c := range cells {
			b.WriteString(`<td data-id="c` + strconv.Itoa(i+1) + `">` + c + `</td>`)
		}
		b.WriteString(`</tr></tbody>`)
		return b.String()
	}

	Convey("Given header rows of varying quality", t, func() {
		Convey("Unknown terms are kept verbatim and still count", func() {
			f := d.Decode(grid("Clt", "Pilote", "S1", "S2"))
			So(f.MappingStatus, ShouldEqual, models.MappingInferredOK)
			So(f.InferredMapping[3], ShouldEqual, "S1")
			So(f.InferredMapping[4], ShouldEqual, "S2")
		})

		Convey("Two non-empty terms are not enough to infer", func() {
			f := d.Decode(grid("Clt", "Pilote", "", ""))
			So(f.MappingStatus, ShouldEqual, models.MappingInferenceFailed)
			So(f.InferredMapping, ShouldBeNil)
		})

		Convey("Exactly three non-empty terms is the threshold", func() {
			f := d.Decode(grid("Clt", "Pilote", "Tours"))
			So(f.MappingStatus, ShouldEqual, models.MappingInferredOK)
		})

		Convey("A field claimed twice keeps only its first column", func() {
			f := d.Decode(grid("Clt", "Pilote", "Tours", "", ""))
			So(f.InferredMapping[4], ShouldEqual, lexicon.Status)
			So(f.InferredMapping, ShouldNotContainKey, 5)
			order := f.InferredMapping.ColumnOrder()
			seen := map[string]bool{}
			for _, field := range order {
				So(seen[field], ShouldBeFalse)
				seen[field] = true
			}
		})

		Convey("Failed inference still yields the driver rows", func() {
			frame := grid("Clt", "Pilote") +
				"\n" // header-only grid on one line; drivers arrive elsewhere
			f := d.Decode(frame)
			So(f.MappingStatus, ShouldEqual, models.MappingInferenceFailed)
			So(f.Kind, ShouldEqual, models.FrameSnapshot)
		})
	})
}
