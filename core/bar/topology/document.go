// Package topology reads, validates and writes the tree declaration of a box
// archive: a WebDAV multistatus document listing every collection and file
// with its kind, access control list and custom properties.
package topology

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/box"
)

// XML namespaces.
const (
	NamespaceDAV       = "DAV:"
	NamespacePersonium = "urn:x-personium:xmlns"
	namespaceXML       = "http://www.w3.org/XML/1998/namespace"
)

// Href prefixes.
const (
	PrefixBox      = box.RootPath
	prefixLocalBox = "localbox:"
)

// Resource is one declared resource.
type Resource struct {
	Hrefs       []string
	Kind        box.Kind
	ACL         box.ACL
	Properties  []box.Property
	ContentType string
	// UnknownType holds a resource-type marker the parser did not recognize.
	UnknownType string
}

// Href returns the first declared href.
func (r Resource) Href() string {
	if len(r.Hrefs) == 0 {
		return ""
	}
	return r.Hrefs[0]
}

// Document is a parsed topology document.
type Document struct {
	Resources []Resource
}

type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

func (n xmlNode) is(space, local string) bool {
	return n.XMLName.Space == space && n.XMLName.Local == local
}

type xmlMultistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []xmlResponse `xml:"DAV: response"`
}

type xmlResponse struct {
	Hrefs     []string      `xml:"DAV: href"`
	Propstats []xmlPropstat `xml:"DAV: propstat"`
}

type xmlPropstat struct {
	Prop struct {
		Nodes []xmlNode `xml:",any"`
	} `xml:"DAV: prop"`
}

var skippedProps = map[string]struct{}{
	"creationdate":     {},
	"getlastmodified":  {},
	"getcontentlength": {},
}

// Parse reads a topology document.
func Parse(r io.Reader) (*Document, error) {
	var ms xmlMultistatus
	if err := xml.NewDecoder(r).Decode(&ms); err != nil {
		return nil, &barerr.Error{Code: barerr.DocumentFormat, Path: "", Detail: "topology document", Err: err}
	}
	doc := &Document{Resources: make([]Resource, 0, len(ms.Responses))}
	for _, resp := range ms.Responses {
		res := Resource{Kind: box.KindFile}
		for _, h := range resp.Hrefs {
			res.Hrefs = append(res.Hrefs, strings.TrimSpace(h))
		}
		for _, ps := range resp.Propstats {
			for _, n := range ps.Prop.Nodes {
				parseProp(&res, n)
			}
		}
		doc.Resources = append(doc.Resources, res)
	}
	return doc, nil
}

func parseProp(res *Resource, n xmlNode) {
	if n.XMLName.Space == NamespaceDAV {
		if _, skip := skippedProps[n.XMLName.Local]; skip {
			return
		}
		switch n.XMLName.Local {
		case "resourcetype":
			res.Kind, res.UnknownType = resourceKind(n)
			return
		case "getcontenttype":
			res.ContentType = strings.TrimSpace(n.Text)
			return
		case "acl":
			res.ACL = parseACL(n)
			return
		}
	}
	res.Properties = append(res.Properties, box.Property{
		Namespace: n.XMLName.Space,
		Name:      n.XMLName.Local,
		Value:     n.Text,
	})
}

func resourceKind(n xmlNode) (box.Kind, string) {
	collection := false
	kind := box.KindFileCollection
	unknown := ""
	for _, c := range n.Children {
		switch {
		case c.is(NamespaceDAV, "collection"):
			collection = true
		case c.is(NamespacePersonium, "odata"):
			kind = box.KindDataCollection
		case c.is(NamespacePersonium, "service"):
			kind = box.KindExecutableCollection
		default:
			if unknown == "" {
				unknown = c.XMLName.Space + " " + c.XMLName.Local
			}
		}
	}
	if !collection {
		return box.KindFile, unknown
	}
	return kind, unknown
}

func parseACL(n xmlNode) box.ACL {
	acl := box.ACL{}
	for _, a := range n.Attrs {
		if a.Name.Local == "base" && (a.Name.Space == namespaceXML || a.Name.Space == "xml") {
			acl.Base = a.Value
		}
	}
	for _, aceNode := range n.Children {
		if !aceNode.is(NamespaceDAV, "ace") {
			continue
		}
		var ace box.ACE
		for _, part := range aceNode.Children {
			switch {
			case part.is(NamespaceDAV, "principal"):
				ace.Principal = parsePrincipal(part)
			case part.is(NamespaceDAV, "grant"):
				for _, priv := range part.Children {
					if !priv.is(NamespaceDAV, "privilege") {
						continue
					}
					for _, p := range priv.Children {
						ace.Privileges = append(ace.Privileges, box.Privilege{Namespace: p.XMLName.Space, Name: p.XMLName.Local})
					}
				}
			}
		}
		acl.ACEs = append(acl.ACEs, ace)
	}
	return acl
}

func parsePrincipal(n xmlNode) string {
	for _, c := range n.Children {
		if c.is(NamespaceDAV, "href") {
			return strings.TrimSpace(c.Text)
		}
		if c.XMLName.Space == NamespaceDAV {
			return NamespaceDAV + c.XMLName.Local
		}
	}
	return ""
}
