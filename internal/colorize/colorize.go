package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// getAssemblyLexer returns an appropriate assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	candidates := []string{"armasm", "gas", "GAS", "Gas", "nasm"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	candidates := []string{"disasm-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("GALAGO_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction colorizes a disassembled instruction using Chroma.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}

	lexer := lexers.Get("nasm")
	if lexer == nil {
		lexer = getAssemblyLexer()
		if lexer == nil {
			return insn
		}
	}

	style := getDisasmStyle()
	formatter := getTerminalFormatter()

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return insn
	}

	return strings.TrimSuffix(buf.String(), "\n")
}

// Address formats a load or runtime address in yellow.
func Address(addr uint64) string {
	if IsDisabled() {
		return fmt.Sprintf("%08X", addr)
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%08X\033[0m", addr)
}

// Tag formats a DT_* dynamic tag name in yellow, for `.dynamic` dumps.
func Tag(tag string) string {
	if IsDisabled() {
		return tag
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%s\033[0m", tag)
}

// FuncName formats a symbol name in yellow.
func FuncName(name string) string {
	if IsDisabled() {
		return name
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%s\033[0m", name)
}

// Detail formats detail text in light gray.
func Detail(detail string) string {
	if IsDisabled() {
		return detail
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", detail)
}

// Border formats border characters in dark gray.
func Border(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;80;80;80m%s\033[0m", s)
}

// Comment formats comments in white.
func Comment(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;255;255m%s\033[0m", s)
}

// Header formats header text in blue.
func Header(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;86;156;214m%s\033[0m", s)
}

// HexBytes formats raw hex opcode or word bytes in light gray.
func HexBytes(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", s)
}

// Error formats error messages in pink.
func Error(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;128;192m%s\033[0m", s)
}

// String formats string values (dynstr entries, symbol names) in
// pink/magenta.
func String(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;128;192m%s\033[0m", s)
}

// RelocType formats a relocation opcode mnemonic (R_X86_64_GLOB_DAT,
// R_AARCH64_JUMP_SLOT, ...) the same way Tag formats a DT_* name, so the
// `info`/`monitor` relocation-table dumps read consistently with the
// `.dynamic` section dump.
func RelocType(name string) string {
	return Tag(name)
}

// DynEntry formats one `.dynamic` row as "TAG value", respecting
// GALAGO_NO_COLOR/NO_COLOR.
func DynEntry(tag string, value uint64) string {
	return fmt.Sprintf("%s %s", Tag(tag), Address(value))
}

// RelocEntry formats one relocation-table row as
// "offset TYPE symbol+addend".
func RelocEntry(offset uint64, relType, symbol string, addend int64) string {
	sign := "+"
	if addend < 0 {
		sign = "-"
		addend = -addend
	}
	return fmt.Sprintf("%s %s %s%s%#x", Address(offset), RelocType(relType), String(symbol), sign, addend)
}
