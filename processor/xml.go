package processor

import (
	"encoding/xml"
	"strings"

	"github.com/everydev1618/relay"
)

// XML tool-call extraction. The recognised form is a
// <function_calls> block containing <invoke name="..."> elements whose
// <parameter name="..."> children carry string argument values:
//
//	<function_calls>
//	  <invoke name="list_files">
//	    <parameter name="path">/tmp</parameter>
//	  </invoke>
//	</function_calls>
//
// Content outside blocks is passed through unchanged. A malformed
// block yields no tool calls.

const (
	xmlStartTag = "<function_calls>"
	xmlEndTag   = "</function_calls>"
)

// ParsingDetails records how an XML call was decoded, for viewers that
// want to re-render the original invocation.
type ParsingDetails struct {
	RawXML      string            `json:"raw_xml"`
	Attributes  map[string]string `json:"attributes"`
	Elements    map[string]string `json:"elements"`
	TextContent string            `json:"text_content"`
	RootContent string            `json:"root_content"`
}

// ParsedXMLCall is one canonical call extracted from an XML block.
type ParsedXMLCall struct {
	Call    relay.ToolCall
	Details ParsingDetails
}

// extractXMLChunks returns every complete <function_calls> block in
// content, in order, by outer-tag matching.
func extractXMLChunks(content string) []string {
	var chunks []string
	pos := 0
	for pos < len(content) {
		start := strings.Index(content[pos:], xmlStartTag)
		if start < 0 {
			break
		}
		start += pos
		end := strings.Index(content[start:], xmlEndTag)
		if end < 0 {
			break
		}
		chunkEnd := start + end + len(xmlEndTag)
		chunks = append(chunks, content[start:chunkEnd])
		pos = chunkEnd
	}
	return chunks
}

// invokeElement mirrors the wire form of one <invoke>.
type invokeElement struct {
	Name       string `xml:"name,attr"`
	Parameters []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:",innerxml"`
	} `xml:"parameter"`
}

type functionCallsElement struct {
	XMLName xml.Name        `xml:"function_calls"`
	Invokes []invokeElement `xml:"invoke"`
}

// parseXMLChunk decodes one complete block into canonical calls.
// Malformed blocks return nil.
func parseXMLChunk(chunk string) []ParsedXMLCall {
	var decoded functionCallsElement
	if err := xml.Unmarshal([]byte(sanitizeXML(chunk)), &decoded); err != nil {
		return nil
	}

	inner := strings.TrimSuffix(strings.TrimPrefix(chunk, xmlStartTag), xmlEndTag)

	var calls []ParsedXMLCall
	for _, inv := range decoded.Invokes {
		if inv.Name == "" {
			continue
		}
		args := make(map[string]any, len(inv.Parameters))
		elements := make(map[string]string, len(inv.Parameters))
		var text strings.Builder
		for _, p := range inv.Parameters {
			value := unescapeXML(strings.TrimSpace(p.Value))
			args[p.Name] = value
			elements[p.Name] = value
			text.WriteString(value)
		}
		calls = append(calls, ParsedXMLCall{
			Call: relay.ToolCall{
				FunctionName: inv.Name,
				Arguments:    args,
				XMLTagName:   relay.XMLTag(inv.Name),
			},
			Details: ParsingDetails{
				RawXML:      chunk,
				Attributes:  map[string]string{"name": inv.Name},
				Elements:    elements,
				TextContent: text.String(),
				RootContent: strings.TrimSpace(inner),
			},
		})
	}
	return calls
}

// sanitizeXML escapes bare ampersands so prose-ish parameter values
// survive the decoder.
func sanitizeXML(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '&' {
			b.WriteByte(s[i])
			continue
		}
		rest := s[i:]
		if strings.HasPrefix(rest, "&amp;") || strings.HasPrefix(rest, "&lt;") ||
			strings.HasPrefix(rest, "&gt;") || strings.HasPrefix(rest, "&quot;") ||
			strings.HasPrefix(rest, "&apos;") {
			b.WriteByte(s[i])
			continue
		}
		b.WriteString("&amp;")
	}
	return b.String()
}

// unescapeXML reverses the entity escaping on inner text.
func unescapeXML(s string) string {
	r := strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&apos;", "'",
		"&amp;", "&",
	)
	return r.Replace(s)
}

// RenderXMLCall re-renders a canonical call in the recognised form.
// Parsing then rendering preserves the function name and argument keys.
func RenderXMLCall(call relay.ToolCall) string {
	var b strings.Builder
	b.WriteString(xmlStartTag)
	b.WriteString("\n<invoke name=\"")
	b.WriteString(call.FunctionName)
	b.WriteString("\">\n")
	for name, value := range call.Arguments {
		b.WriteString("<parameter name=\"")
		b.WriteString(name)
		b.WriteString("\">")
		if s, ok := value.(string); ok {
			b.WriteString(escapeXML(s))
		}
		b.WriteString("</parameter>\n")
	}
	b.WriteString("</invoke>\n")
	b.WriteString(xmlEndTag)
	return b.String()
}

func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	)
	return r.Replace(s)
}
