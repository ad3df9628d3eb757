// Package colorize provides syntax highlighting for disassembly and for
// the linker's own structural dumps (`.dynamic` entries, relocation
// tables) shown by the `info`/`monitor` commands.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

func init() {
	_ = DisasmDark
}

// IDA-style theme colors, kept as named constants since both styles below
// share the same palette.
const (
	IDAAddress  = "#808080"
	IDAMnemonic = "#FFFFFF"
	IDARegister = "#87CEEB"
	IDANumber   = "#FF80C0"
	IDALabel    = "#FFC800"
	IDAComment  = "#FF8000"
	IDAString   = "#00FF00"
	IDAHexBytes = "#646464"
)

// DisasmDark is a custom style for disassembly output, IDA Pro style.
var DisasmDark = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Text:           "#FFFFFF",
	chroma.Background:     "bg:#000000",
	chroma.Comment:        "#FF8000",
	chroma.CommentPreproc: "#FF8000",

	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.Name:          "#87CEEB",
	chroma.NameBuiltin:   "#87CEEB",
	chroma.NameVariable:  "#87CEEB",

	chroma.LiteralNumber:        "#FF80C0",
	chroma.LiteralNumberHex:     "#FF80C0",
	chroma.LiteralNumberBin:     "#FF80C0",
	chroma.LiteralNumberOct:     "#FF80C0",
	chroma.LiteralNumberInteger: "#FF80C0",
	chroma.LiteralNumberFloat:   "#FF80C0",

	chroma.NameLabel:    "#FFC800",
	chroma.NameFunction: "#FFFFFF",

	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",

	chroma.String: "#00FF00",
}))

// DynTableStyle is a registered Chroma style for `.dynamic`/relocation
// table dumps: tag names in yellow, addresses in gray, symbol names in
// cyan — the same palette as DisasmDark applied to a tabular rather than
// instruction-stream token shape. Nothing in galago renders with it;
// DynEntry and RelocEntry color their output with plain ANSI codes.
var DynTableStyle = styles.Register(chroma.MustNewStyle("dyntable-dark", chroma.StyleEntries{
	chroma.Text:         "#FFFFFF",
	chroma.Background:   "bg:#000000",
	chroma.Keyword:      "#FFC800", // DT_* tag names
	chroma.Name:         "#87CEEB", // symbol names
	chroma.NameFunction: "#87CEEB",
	chroma.LiteralNumberHex: "#808080", // addresses/offsets
	chroma.Comment:      "#FF8000",
}))
