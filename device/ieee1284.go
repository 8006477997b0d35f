// Package device implements USB printer discovery: IEEE-1284 Device ID
// parsing and the interface-class filter of spec §4.7.
package device

import (
	"fmt"
	"net/url"
	"strings"
)

// manufacturerAliases normalizes a handful of vendor strings the
// original source special-cases, matching spec §4.7 case-insensitively.
var manufacturerAliases = map[string]string{
	"hewlett-packard":       "HP",
	"lexmark international": "Lexmark",
}

// ParseIEEE1284 parses a semicolon-separated `KEY:value;` IEEE-1284
// Device ID string into its key/value pairs. Keys are upper-cased for
// lookup consistency; unknown keys are kept (upper-cased like the rest)
// and values are kept verbatim apart from trimmed surrounding spaces.
func ParseIEEE1284(id string) map[string]string {
	out := make(map[string]string)
	for _, field := range strings.Split(id, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return out
}

// normalizeManufacturer applies the known-vendor alias table
// case-insensitively, leaving anything else unchanged.
func normalizeManufacturer(mfg string) string {
	if alias, ok := manufacturerAliases[strings.ToLower(mfg)]; ok {
		return alias
	}
	return mfg
}

// Device is the transient, scanner-local record spec §3 describes: the
// parsed identity of one USB printer interface.
type Device struct {
	SysfsPath    string
	IEEE1284ID   string
	Manufacturer string
	Model        string
	Serial       string
	URI          string
	Description  string
}

// FromIEEE1284 builds a Device from a sysfs path and its raw
// ieee1284_id attribute, applying manufacturer normalization and
// deriving the usb:// URI and human-readable description spec §4.7
// specifies.
func FromIEEE1284(sysfsPath, ieee1284ID string) Device {
	fields := ParseIEEE1284(ieee1284ID)
	mfg := normalizeManufacturer(fields["MFG"])
	mdl := fields["MDL"]
	sn := fields["SN"]

	uri := fmt.Sprintf("usb://%s/%s", url.PathEscape(mfg), url.PathEscape(mdl))
	if sn != "" {
		uri += "?serial=" + url.QueryEscape(sn)
	}

	return Device{
		SysfsPath:    sysfsPath,
		IEEE1284ID:   ieee1284ID,
		Manufacturer: mfg,
		Model:        mdl,
		Serial:       sn,
		URI:          uri,
		Description:  fmt.Sprintf("%s %s (USB)", mfg, mdl),
	}
}

// USB printer interface class/subclass spec §4.7 requires for an add
// event to be considered.
const (
	InterfaceClassPrinter    = 0x07
	InterfaceSubClassPrinter = 0x01
)

// IsPrinterInterface reports whether a USB interface descriptor's
// class/subclass identify it as a printer, per spec §4.7.
func IsPrinterInterface(class, subClass byte) bool {
	return class == InterfaceClassPrinter && subClass == InterfaceSubClassPrinter
}
