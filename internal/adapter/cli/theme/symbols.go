package theme

import (
	"os"
	"strings"
)

// ASCIIEnv forces ASCII glyphs when set to "1" or "true".
const ASCIIEnv = "AGENTGW_ASCII_SYMBOLS"

// SymbolSet holds the glyphs used in command output.
type SymbolSet struct {
	Success string
	Error   string
	Warning string
	Info    string
	ArrowR  string
	Bullet  string
}

var unicodeSymbols = SymbolSet{
	Success: "\u2713", // ✓
	Error:   "\u2717", // ✗
	Warning: "\u26A0", // ⚠
	Info:    "\u25CF", // ●
	ArrowR:  "\u2192", // →
	Bullet:  "\u2022", // •
}

var asciiSymbols = SymbolSet{
	Success: "[OK]",
	Error:   "[ERR]",
	Warning: "[!]",
	Info:    "[i]",
	ArrowR:  "->",
	Bullet:  "*",
}

// Set by InitSymbols.
var (
	SymbolSuccess = unicodeSymbols.Success
	SymbolError   = unicodeSymbols.Error
	SymbolWarning = unicodeSymbols.Warning
	SymbolInfo    = unicodeSymbols.Info
	SymbolArrowR  = unicodeSymbols.ArrowR
	SymbolBullet  = unicodeSymbols.Bullet
)

// DetectUnicodeSupport reports whether the terminal likely renders Unicode.
// ASCIIEnv wins over locale detection.
func DetectUnicodeSupport() bool {
	if v := os.Getenv(ASCIIEnv); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return true
		}
	}
	return true
}

// InitSymbols selects the glyph set for the current environment. It runs at
// init and may be called again after the environment changes.
func InitSymbols() {
	set := unicodeSymbols
	if !DetectUnicodeSupport() {
		set = asciiSymbols
	}

	SymbolSuccess = set.Success
	SymbolError = set.Error
	SymbolWarning = set.Warning
	SymbolInfo = set.Info
	SymbolArrowR = set.ArrowR
	SymbolBullet = set.Bullet
}

func init() {
	InitSymbols()
}
