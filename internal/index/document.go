package index

import (
	"encoding/json"
	"fmt"
	"sort"
)

const (
	versionKey = "version"
	propsKey   = "_props"
)

// Namespace 是文档中的一个逻辑分区：suid → hash 映射加上一份属性包。
type Namespace struct {
	Entries map[string]string
	Props   map[string]any
}

func newNamespace() *Namespace {
	return &Namespace{
		Entries: make(map[string]string),
		Props:   make(map[string]any),
	}
}

// Document 是索引文件在内存中的类型化表示。磁盘格式保持扁平：
//
//	{"version": "...", "_props": {"<ns>": {...}}, "<ns>": {"<suid>": "<hash>"}}
type Document struct {
	Version    string
	Namespaces map[string]*Namespace

	// skipped 记录解析时因结构非法而被忽略的顶层键，仅用于日志。
	skipped []string
}

// NewDocument 返回只包含版本号的空文档。
func NewDocument(version string) *Document {
	return &Document{
		Version:    version,
		Namespaces: make(map[string]*Namespace),
	}
}

// reservedNamespace 判断名称是否与文档的保留键冲突。
func reservedNamespace(name string) bool {
	return name == versionKey || name == propsKey
}

func (d *Document) namespace(name string) *Namespace {
	ns := d.Namespaces[name]
	if ns == nil {
		ns = newNamespace()
		d.Namespaces[name] = ns
	}
	return ns
}

// MarshalJSON 输出扁平格式；空属性包不会写入 _props。
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Namespaces)+2)
	if d.Version != "" {
		out[versionKey] = d.Version
	}
	props := make(map[string]map[string]any)
	for name, ns := range d.Namespaces {
		entries := ns.Entries
		if entries == nil {
			entries = map[string]string{}
		}
		out[name] = entries
		if len(ns.Props) > 0 {
			props[name] = ns.Props
		}
	}
	if len(props) > 0 {
		out[propsKey] = props
	}
	return json.Marshal(out)
}

// UnmarshalJSON 对每个顶层键做显式校验：version 必须是字符串，_props 必须是
// 对象的对象，其余键必须是 string → string 的映射。不合法的键被跳过而不是让整份
// 文档失效。
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("index document is not an object")
	}

	doc := NewDocument("")
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		switch key {
		case versionKey:
			var version string
			if err := json.Unmarshal(value, &version); err != nil {
				doc.skipped = append(doc.skipped, key)
				continue
			}
			doc.Version = version
		case propsKey:
			var props map[string]map[string]any
			if err := json.Unmarshal(value, &props); err != nil {
				doc.skipped = append(doc.skipped, key)
				continue
			}
			for name, bag := range props {
				if bag == nil {
					continue
				}
				doc.namespace(name).Props = bag
			}
		default:
			var entries map[string]string
			if err := json.Unmarshal(value, &entries); err != nil {
				doc.skipped = append(doc.skipped, key)
				continue
			}
			ns := doc.namespace(key)
			for suid, hash := range entries {
				ns.Entries[suid] = hash
			}
		}
	}

	*d = *doc
	return nil
}
