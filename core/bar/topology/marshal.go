package topology

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/cordum/barkit/core/box"
)

// Marshal writes doc as a multistatus document. DAV elements use the default
// namespace and personium markers the "p" prefix; other namespaces are
// declared on the element that uses them.
func Marshal(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, "<multistatus xmlns=%q xmlns:p=%q>\n", NamespaceDAV, NamespacePersonium)
	if doc != nil {
		for _, res := range doc.Resources {
			if err := writeResponse(&buf, res); err != nil {
				return nil, err
			}
		}
	}
	buf.WriteString("</multistatus>\n")
	return buf.Bytes(), nil
}

func writeResponse(buf *bytes.Buffer, res Resource) error {
	buf.WriteString("  <response>\n")
	for _, h := range res.Hrefs {
		buf.WriteString("    <href>")
		if err := xml.EscapeText(buf, []byte(h)); err != nil {
			return err
		}
		buf.WriteString("</href>\n")
	}
	buf.WriteString("    <propstat>\n      <prop>\n")
	buf.WriteString("        <resourcetype>")
	switch res.Kind {
	case box.KindBox, box.KindFileCollection:
		buf.WriteString("<collection/>")
	case box.KindDataCollection:
		buf.WriteString("<collection/><p:odata/>")
	case box.KindExecutableCollection:
		buf.WriteString("<collection/><p:service/>")
	}
	buf.WriteString("</resourcetype>\n")
	if res.ContentType != "" {
		buf.WriteString("        <getcontenttype>")
		if err := xml.EscapeText(buf, []byte(res.ContentType)); err != nil {
			return err
		}
		buf.WriteString("</getcontenttype>\n")
	}
	if !res.ACL.IsZero() {
		if err := writeACL(buf, res.ACL); err != nil {
			return err
		}
	}
	for i, p := range res.Properties {
		if err := writeProperty(buf, i, p); err != nil {
			return err
		}
	}
	buf.WriteString("      </prop>\n      <status>HTTP/1.1 200 OK</status>\n    </propstat>\n  </response>\n")
	return nil
}

func writeACL(buf *bytes.Buffer, acl box.ACL) error {
	buf.WriteString("        <acl")
	if acl.Base != "" {
		buf.WriteString(` xml:base="`)
		if err := xml.EscapeText(buf, []byte(acl.Base)); err != nil {
			return err
		}
		buf.WriteString(`"`)
	}
	buf.WriteString(">")
	for _, ace := range acl.ACEs {
		buf.WriteString("<ace><principal>")
		if ace.Principal == box.PrincipalAll {
			buf.WriteString("<all/>")
		} else {
			buf.WriteString("<href>")
			if err := xml.EscapeText(buf, []byte(ace.Principal)); err != nil {
				return err
			}
			buf.WriteString("</href>")
		}
		buf.WriteString("</principal><grant>")
		for _, priv := range ace.Privileges {
			buf.WriteString("<privilege>")
			writeEmpty(buf, priv.Namespace, priv.Name)
			buf.WriteString("</privilege>")
		}
		buf.WriteString("</grant></ace>")
	}
	buf.WriteString("</acl>\n")
	return nil
}

func writeEmpty(buf *bytes.Buffer, ns, name string) {
	switch ns {
	case NamespaceDAV:
		fmt.Fprintf(buf, "<%s/>", name)
	case NamespacePersonium:
		fmt.Fprintf(buf, "<p:%s/>", name)
	default:
		fmt.Fprintf(buf, "<x:%s xmlns:x=%q/>", name, ns)
	}
}

func writeProperty(buf *bytes.Buffer, i int, p box.Property) error {
	var openTag, closeTag string
	switch p.Namespace {
	case NamespaceDAV:
		openTag, closeTag = p.Name, p.Name
	case NamespacePersonium:
		openTag, closeTag = "p:"+p.Name, "p:"+p.Name
	case "":
		openTag, closeTag = p.Name+` xmlns=""`, p.Name
	default:
		prefix := fmt.Sprintf("n%d", i)
		openTag = fmt.Sprintf("%s:%s xmlns:%s=%q", prefix, p.Name, prefix, p.Namespace)
		closeTag = prefix + ":" + p.Name
	}
	fmt.Fprintf(buf, "        <%s>", openTag)
	if err := xml.EscapeText(buf, []byte(p.Value)); err != nil {
		return err
	}
	fmt.Fprintf(buf, "</%s>\n", closeTag)
	return nil
}
