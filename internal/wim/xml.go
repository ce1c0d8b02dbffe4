package wim

import (
	"encoding/xml"
	"strconv"
	"time"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// Info is the XML metadata blob stored after the lookup table.
type Info struct {
	XMLName    xml.Name    `xml:"WIM"`
	TotalBytes uint64      `xml:"TOTALBYTES"`
	Images     []ImageInfo `xml:"IMAGE"`
}

// ImageInfo contains the per-image XML metadata.
type ImageInfo struct {
	Index        int      `xml:"INDEX,attr"`
	Name         string   `xml:"NAME,omitempty"`
	Description  string   `xml:"DESCRIPTION,omitempty"`
	DirCount     uint64   `xml:"DIRCOUNT"`
	FileCount    uint64   `xml:"FILECOUNT"`
	TotalBytes   uint64   `xml:"TOTALBYTES"`
	CreationTime Filetime `xml:"CREATIONTIME"`
	ModTime      Filetime `xml:"LASTMODIFICATIONTIME"`
}

// Filetime represents a Windows time: 100-nanosecond intervals since
// January 1, 1601, split into two 32-bit halves serialized as hex strings.
type Filetime struct {
	LowDateTime  uint32
	HighDateTime uint32
}

const filetimeEpochDelta = 116444736000000000

// FiletimeFromTime converts t.
func FiletimeFromTime(t time.Time) Filetime {
	nsec := t.UnixNano()/100 + filetimeEpochDelta
	return Filetime{
		LowDateTime:  uint32(nsec),
		HighDateTime: uint32(nsec >> 32),
	}
}

// Time returns the time as time.Time.
func (ft *Filetime) Time() time.Time {
	nsec := int64(ft.HighDateTime)<<32 + int64(ft.LowDateTime)
	nsec -= filetimeEpochDelta
	nsec *= 100
	return time.Unix(0, nsec)
}

// MarshalXML writes the time as the HIGHPART/LOWPART hex pair.
func (ft Filetime) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	type parts struct {
		High string `xml:"HIGHPART"`
		Low  string `xml:"LOWPART"`
	}
	p := parts{
		High: "0x" + strconv.FormatUint(uint64(ft.HighDateTime), 16),
		Low:  "0x" + strconv.FormatUint(uint64(ft.LowDateTime), 16),
	}
	return e.EncodeElement(p, start)
}

// UnmarshalXML reads the HIGHPART/LOWPART hex pair.
func (ft *Filetime) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	type parts struct {
		High string `xml:"HIGHPART"`
		Low  string `xml:"LOWPART"`
	}
	var p parts
	if err := d.DecodeElement(&p, &start); err != nil {
		return err
	}

	low, err := strconv.ParseUint(p.Low, 0, 32)
	if err != nil {
		return err
	}
	high, err := strconv.ParseUint(p.High, 0, 32)
	if err != nil {
		return err
	}

	ft.LowDateTime = uint32(low)
	ft.HighDateTime = uint32(high)
	return nil
}

// EncodeInfoXML serializes the metadata as UTF-16LE XML with a BOM, the form
// the XML resource stores on disk.
func EncodeInfoXML(info *Info) ([]byte, error) {
	text, err := xml.Marshal(info)
	if err != nil {
		return nil, err
	}

	units := utf16.Encode([]rune(string(text)))
	out := make([]byte, 0, 2*(len(units)+1))
	out = append(out, 0xff, 0xfe)
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return out, nil
}

// DecodeInfoXML parses the UTF-16LE XML resource back into Info.
func DecodeInfoXML(b []byte) (*Info, error) {
	if len(b)%2 != 0 || len(b) < 2 {
		return nil, errors.Wrap(ErrRead, "invalid XML data length")
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	if units[0] != 0xfeff {
		return nil, errors.Wrap(ErrRead, "invalid XML data BOM")
	}

	var info Info
	if err := xml.Unmarshal([]byte(string(utf16.Decode(units[1:]))), &info); err != nil {
		return nil, err
	}
	return &info, nil
}
