package proxygen

import (
	"bytes"
	"os"
	"path"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/tools/imports"

	"github.com/outofforest/parley/proxy"
)

const proxyPkg = "github.com/outofforest/parley/proxy"

// Set is the declared set to generate stand-in for.
type Set struct {
	notifications bool
	typ           reflect.Type
}

// Commands declares command set. Argument must be a nil pointer to the interface, e.g. (*Calculator)(nil).
func Commands(ptr any) Set {
	return Set{typ: reflect.TypeOf(ptr).Elem()}
}

// Notifications declares notification set. Argument must be a nil pointer to the interface,
// e.g. (*Ticker)(nil).
func Notifications(ptr any) Set {
	return Set{notifications: true, typ: reflect.TypeOf(ptr).Elem()}
}

// Generate generates stand-ins of the sets and stores them in the file.
func Generate(filePath string, sets ...Set) {
	code, err := Build(sets...)
	if err != nil {
		panic(err)
	}
	if err := os.WriteFile(filePath, code, 0o600); err != nil {
		panic(err)
	}
}

// Build generates source code of stand-ins. All the sets must be declared in the same package.
func Build(sets ...Set) ([]byte, error) {
	if len(sets) == 0 {
		return nil, errors.New("no sets provided")
	}

	g := &generator{
		pkgPath: sets[0].typ.PkgPath(),
		imports: map[string]string{
			"context": "context",
			proxyPkg:  "proxy",
		},
	}
	g.pkgName = path.Base(g.pkgPath)

	data := fileData{
		Package: g.pkgName,
	}
	for _, s := range sets {
		if s.typ.PkgPath() != g.pkgPath {
			return nil, errors.Errorf("set %s is not declared in package %s", s.typ, g.pkgPath)
		}

		if s.notifications {
			ns, err := g.notificationSet(s.typ)
			if err != nil {
				return nil, err
			}
			data.Notifications = append(data.Notifications, ns)
			continue
		}

		cs, err := g.commandSet(s.typ)
		if err != nil {
			return nil, err
		}
		data.Commands = append(data.Commands, cs)
	}

	for p := range g.imports {
		if p != g.pkgPath {
			data.Imports = append(data.Imports, p)
		}
	}
	sort.Strings(data.Imports)

	buf := &bytes.Buffer{}
	if err := fileTemplate.Execute(buf, data); err != nil {
		return nil, errors.WithStack(err)
	}

	code, err := imports.Process(".", buf.Bytes(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "formatting generated code failed:\n%s", buf)
	}
	return code, nil
}

type fileData struct {
	Package       string
	Imports       []string
	Commands      []commandSetData
	Notifications []notificationSetData
}

type commandSetData struct {
	Interface string
	Struct    string
	Methods   []methodData
}

type methodData struct {
	Name   string
	Params string
	Args   string
	Result string
	OneWay bool
}

type notificationSetData struct {
	Interface string
	Struct    string
	Events    []eventData
}

type eventData struct {
	Name  string
	Field string
	Args  string
}

type generator struct {
	pkgPath string
	pkgName string
	imports map[string]string
}

func (g *generator) commandSet(t reflect.Type) (commandSetData, error) {
	desc, err := proxy.CommandSetOf(t)
	if err != nil {
		return commandSetData{}, err
	}

	cs := commandSetData{
		Interface: t.Name(),
		Struct:    lowerFirst(t.Name()) + "Proxy",
	}

	names := make([]string, 0, len(desc.Methods))
	for name := range desc.Methods {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		md := desc.Methods[name]
		m := methodData{
			Name:   name,
			OneWay: md.OneWay,
		}

		params := []string{"ctx context.Context"}
		args := make([]string, 0, len(md.Params))
		for i, p := range md.Params {
			arg := "arg" + strconv.Itoa(i)
			params = append(params, arg+" "+g.typeName(p))
			args = append(args, arg)
		}
		m.Params = strings.Join(params, ", ")
		if len(args) > 0 {
			m.Args = ", " + strings.Join(args, ", ")
		}
		if md.Result != nil {
			m.Result = g.typeName(md.Result)
		}
		cs.Methods = append(cs.Methods, m)
	}
	return cs, nil
}

func (g *generator) notificationSet(t reflect.Type) (notificationSetData, error) {
	desc, err := proxy.NotificationSetOf(t)
	if err != nil {
		return notificationSetData{}, err
	}

	ns := notificationSetData{
		Interface: t.Name(),
		Struct:    lowerFirst(t.Name()) + "Proxy",
	}

	names := make([]string, 0, len(desc.Events))
	for name := range desc.Events {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ns.Events = append(ns.Events, eventData{
			Name:  name,
			Field: lowerFirst(name),
			Args:  g.typeName(desc.Events[name].Args),
		})
	}
	return ns, nil
}

func (g *generator) typeName(t reflect.Type) string {
	if t.Name() != "" {
		if t.PkgPath() == "" || t.PkgPath() == g.pkgPath {
			return t.Name()
		}
		name := path.Base(t.PkgPath())
		g.imports[t.PkgPath()] = name
		return name + "." + t.Name()
	}

	switch t.Kind() {
	case reflect.Slice:
		return "[]" + g.typeName(t.Elem())
	case reflect.Array:
		return "[" + strconv.Itoa(t.Len()) + "]" + g.typeName(t.Elem())
	case reflect.Map:
		return "map[" + g.typeName(t.Key()) + "]" + g.typeName(t.Elem())
	case reflect.Pointer:
		return "*" + g.typeName(t.Elem())
	default:
		return t.String()
	}
}

func lowerFirst(s string) string {
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

var fileTemplate = template.Must(template.New("").Parse(`// Code generated by proxygen. DO NOT EDIT.

package {{ .Package }}

import (
{{- range .Imports }}
	"{{ . }}"
{{- end }}
)
{{ range .Commands }}
type {{ .Struct }} struct {
	proxy.Commands

	invoker *proxy.CommandInvoker
}
{{ $struct := .Struct }}
{{- range .Methods }}
func (s *{{ $struct }}) {{ .Name }}({{ .Params }}){{ if .Result }} ({{ .Result }}, error){{ else if not .OneWay }} error{{ end }} {
{{- if .OneWay }}
	proxy.InvokeOneWay(ctx, s.invoker, "{{ .Name }}"{{ .Args }})
{{- else if .Result }}
	return proxy.InvokeWithResult[{{ .Result }}](ctx, s.invoker, "{{ .Name }}"{{ .Args }})
{{- else }}
	return proxy.Invoke(ctx, s.invoker, "{{ .Name }}"{{ .Args }})
{{- end }}
}
{{ end }}
{{- end }}
{{- range .Notifications }}
type {{ .Struct }} struct {
	proxy.Notifications
{{ range .Events }}
	{{ .Field }} *proxy.Event[{{ .Args }}]
{{- end }}
}
{{ $struct := .Struct }}
{{- range .Events }}
func (s *{{ $struct }}) {{ .Name }}() *proxy.Event[{{ .Args }}] {
	return s.{{ .Field }}
}
{{ end }}
{{- end }}
func init() {
{{- range .Commands }}
	proxy.RegisterCommandProxy[{{ .Interface }}](func(invoker *proxy.CommandInvoker) {{ .Interface }} {
		return &{{ .Struct }}{invoker: invoker}
	})
{{- end }}
{{- range .Notifications }}
	proxy.RegisterNotificationProxy[{{ .Interface }}](func(link *proxy.NotificationLink) {{ .Interface }} {
		return &{{ .Struct }}{
{{- range .Events }}
			{{ .Field }}: proxy.RemoteEvent[{{ .Args }}](link, "{{ .Name }}"),
{{- end }}
		}
	})
{{- end }}
}
`))
