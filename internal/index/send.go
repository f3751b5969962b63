package index

import (
	"net/http"
	"os"
	"path"
	"strconv"

	"github.com/gofiber/utils/v2"
)

const defaultContentType = "application/octet-stream"

// ServePlan 描述如何把命中的正文回写给 HTTP 调用方：需要设置的响应头以及正文来源。
type ServePlan struct {
	Name   string
	Entry  Entry
	Header http.Header
}

// Open 打开正文文件，由调用方负责关闭。
func (p *ServePlan) Open() (*os.File, error) {
	return os.Open(p.Entry.Path)
}

// Send resolves a decoded request path to a blob. ok=false means the name is
// unknown (or its blob is gone) and the caller should run its own not-found
// handling.
func (i *Index) Send(requestPath string) (*ServePlan, bool, error) {
	name := Canonicalize(requestPath)
	if name == "" {
		return nil, false, nil
	}
	entry, ok, err := i.Get(name)
	if err != nil || !ok {
		return nil, false, err
	}

	header := http.Header{}
	header.Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	header.Set("Content-Type", ContentType(name))
	header.Set("Content-MD5", entry.Hash)

	return &ServePlan{Name: name, Entry: entry, Header: header}, true, nil
}

// ContentType 按逻辑名称的扩展名查 MIME 表，未知时回退 application/octet-stream。
func ContentType(name string) string {
	ext := path.Ext(Canonicalize(name))
	if ext == "" {
		return defaultContentType
	}
	if mime := utils.GetMIME(ext); mime != "" {
		return mime
	}
	return defaultContentType
}
