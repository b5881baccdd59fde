package artifact

import (
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const sniffLimit = 3072

func init() {
	mimetype.SetLimit(sniffLimit)
}

// Sniff 读取内容头部识别 MIME 类型，返回的 Reader 仍包含完整内容。
func Sniff(r io.Reader) (string, io.Reader, error) {
	header := make([]byte, sniffLimit)
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", nil, err
	}
	header = header[:n]
	return mimetype.Detect(header).String(), io.MultiReader(bytes.NewReader(header), r), nil
}

// ContentType 优先依据内容识别类型，无法识别时回退到文件扩展名。
func ContentType(fileName string, r io.Reader) (string, io.Reader, error) {
	detected, body, err := Sniff(r)
	if err != nil {
		return "", nil, err
	}
	if detected == "application/octet-stream" || detected == "text/plain; charset=utf-8" {
		if byExt, ok := extensionTypes[strings.ToLower(path.Ext(fileName))]; ok {
			return byExt, body, nil
		}
	}
	return detected, body, nil
}

// NameFor 在缺少文件名时根据内容类型生成一个名称。
func NameFor(fileName string, head []byte) string {
	if name := SafeFileName(fileName); name != "artifact" {
		return name
	}
	return "artifact" + mimetype.Detect(head).Extension()
}

var extensionTypes = map[string]string{
	".json": "application/json",
	".csv":  "text/csv",
	".md":   "text/markdown",
	".html": "text/html",
	".htm":  "text/html",
	".xml":  "text/xml",
	".js":   "text/javascript",
	".py":   "text/x-python",
}
