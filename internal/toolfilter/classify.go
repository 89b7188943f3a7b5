package toolfilter

import (
	"strings"
)

// Class is the outcome of inspecting the text that follows an opening fence.
type Class int

const (
	// ClassPending means more text is needed before the fence can be classified.
	ClassPending Class = iota
	// ClassTool means the fence opens a tool-call block.
	ClassTool
	// ClassNotTool means the fence opens an ordinary code block.
	ClassNotTool
)

func (c Class) String() string {
	switch c {
	case ClassPending:
		return "pending"
	case ClassTool:
		return "tool"
	case ClassNotTool:
		return "not_tool"
	default:
		return "unknown"
	}
}

const (
	toolCallTag   = "tool_call"
	jsonTag       = "json"
	toolKeyPrefix = `"tool`
)

// languageTags lists fence info strings that always introduce ordinary code.
var languageTags = []string{
	"python", "py", "python3", "ipython",
	"rust", "rs",
	"typescript", "ts", "tsx",
	"javascript", "js", "jsx", "mjs", "cjs",
	"bash", "sh", "shell", "zsh", "fish", "console", "powershell", "ps1", "bat", "cmd",
	"go", "golang",
	"java", "kotlin", "kt", "scala", "groovy",
	"swift", "objectivec", "objc",
	"c", "h", "cpp", "c++", "cc", "hpp", "cxx",
	"csharp", "cs", "fsharp", "vb",
	"ruby", "rb", "php", "perl", "pl", "lua", "r",
	"haskell", "hs", "ocaml", "elixir", "ex", "exs", "erlang", "clojure", "clj", "elm",
	"dart", "zig", "nim", "julia", "matlab",
	"sql", "graphql", "gql", "prisma",
	"yaml", "yml", "toml", "ini", "conf", "properties", "env", "jsonc", "json5", "jsonl",
	"xml", "html", "svg", "css", "scss", "sass", "less",
	"vue", "svelte", "astro",
	"markdown", "md", "mdx", "rst", "tex", "latex",
	"diff", "patch", "git",
	"dockerfile", "docker", "makefile", "make", "cmake", "nginx", "terraform", "tf", "hcl",
	"proto", "protobuf", "thrift",
	"text", "txt", "plaintext", "plain", "output", "log", "csv", "tsv",
	"mermaid", "dot", "graphviz", "regex", "vim", "asm", "wasm", "solidity", "sol",
}

// ClassifyFence decides whether the text following an opening fence marker
// introduces a tool-call block. The decision is monotone: once Tool or NotTool
// is returned for some text, every extension of that text classifies the same.
func ClassifyFence(afterFence string) Class {
	s := strings.TrimLeft(afterFence, " \t\r")
	if s == "" {
		return ClassPending
	}
	if strings.HasPrefix(s, toolCallTag) {
		return ClassTool
	}
	// "js" may still grow into "json", "tool" into "tool_call".
	if strings.HasPrefix(toolCallTag, s) || (strings.HasPrefix(jsonTag, s) && s != jsonTag) {
		return ClassPending
	}
	if hasLanguageTag(s) {
		return ClassNotTool
	}
	if strings.HasPrefix(s, jsonTag) {
		return classifyJSONFence(s[len(jsonTag):])
	}
	if s[0] == '\n' {
		return classifyBody(strings.TrimSpace(s[1:]))
	}
	return ClassNotTool
}

func classifyJSONFence(afterTag string) Class {
	nl := strings.IndexByte(afterTag, '\n')
	if nl < 0 {
		if strings.TrimSpace(afterTag) == "" {
			return ClassPending
		}
		return ClassNotTool
	}
	if strings.TrimSpace(afterTag[:nl]) != "" {
		return ClassNotTool
	}
	return classifyBody(strings.TrimSpace(afterTag[nl+1:]))
}

// classifyBody applies the tool payload heuristic to a trimmed block body,
// answering Pending while the body is still a prefix of `{"tool`.
func classifyBody(body string) Class {
	if body == "" {
		return ClassPending
	}
	if body[0] != '{' {
		return ClassNotTool
	}
	rest := strings.TrimLeft(body[1:], " \t\r\n")
	if strings.HasPrefix(rest, toolKeyPrefix) {
		return ClassTool
	}
	if strings.HasPrefix(toolKeyPrefix, rest) {
		return ClassPending
	}
	return ClassNotTool
}

// LooksLikeToolJSON reports whether text begins with `{` followed, after
// optional whitespace, by `"tool`. It is a cheap heuristic, not a JSON parser.
func LooksLikeToolJSON(text string) bool {
	return classifyBody(strings.TrimSpace(text)) == ClassTool
}

func hasLanguageTag(s string) bool {
	for _, tag := range languageTags {
		if !strings.HasPrefix(s, tag) {
			continue
		}
		if len(s) == len(tag) {
			return true
		}
		switch s[len(tag)] {
		case ' ', '\t', '\r', '\n':
			return true
		}
	}
	return false
}
