// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"fmt"
	"strings"
)

// DefaultJNDINameFormat names a view by its deployment id and the
// annotation name of its type, e.g. CalculatorBeanRemote.
const DefaultJNDINameFormat = "{deploymentId}{interfaceType.annotationName}"

// nameTemplate is a parsed JNDI name format: literal text with
// {key} placeholders.
type nameTemplate struct {
	source string
	parts  []templatePart
}

type templatePart struct {
	literal string
	key     string
}

var templateKeys = map[string]bool{
	"deploymentId": true, "ejbName": true, "ejbType": true,
	"ejbClass": true, "ejbClass.simpleName": true, "ejbClass.packageName": true,
	"appName": true, "appId": true, "moduleName": true, "moduleId": true,
	"interfaceType": true, "interfaceType.annotationName": true,
	"interfaceType.annotationNameLC": true, "interfaceType.xmlName": true,
	"interfaceType.xmlNameCc": true, "interfaceType.openejbLegacyName": true,
	"interfaceClass": true, "interfaceClass.simpleName": true,
	"interfaceClass.packageName": true,
}

func parseTemplate(source string) (*nameTemplate, error) {
	if source == "" {
		return nil, fmt.Errorf("container: empty JNDI name format")
	}
	template := &nameTemplate{source: source}
	rest := source
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			template.parts = append(template.parts, templatePart{literal: rest})
			break
		}
		if open > 0 {
			template.parts = append(template.parts, templatePart{literal: rest[:open]})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("container: JNDI name format %q: unclosed {", source)
		}
		key := rest[open+1 : open+end]
		if !templateKeys[key] {
			return nil, fmt.Errorf("container: JNDI name format %q: unknown key {%s}", source, key)
		}
		template.parts = append(template.parts, templatePart{key: key})
		rest = rest[open+end+1:]
	}
	return template, nil
}

func (t *nameTemplate) format(values map[string]string) string {
	var builder strings.Builder
	for _, part := range t.parts {
		if part.key == "" {
			builder.WriteString(part.literal)
		} else {
			builder.WriteString(values[part.key])
		}
	}
	return builder.String()
}

// templateValues returns the placeholder values for one view.
func templateValues(d *Deployment, view View) map[string]string {
	simple, pkg := splitClassName(d.class())
	ifaceSimple, ifacePkg := splitClassName(view.Interface)
	return map[string]string{
		"deploymentId":                    d.ID,
		"ejbName":                         d.EJBName,
		"ejbType":                         d.Type.String(),
		"ejbClass":                        d.class(),
		"ejbClass.simpleName":             simple,
		"ejbClass.packageName":            pkg,
		"appName":                         d.AppName,
		"appId":                           d.AppName,
		"moduleName":                      d.ModuleName,
		"moduleId":                        d.ModuleName,
		"interfaceType":                   view.Type.AnnotationName(),
		"interfaceType.annotationName":    view.Type.AnnotationName(),
		"interfaceType.annotationNameLC":  strings.ToLower(view.Type.AnnotationName()),
		"interfaceType.xmlName":           view.Type.XMLName(),
		"interfaceType.xmlNameCc":         view.Type.XMLNameCc(),
		"interfaceType.openejbLegacyName": view.Type.LegacyName(),
		"interfaceClass":                  view.Interface,
		"interfaceClass.simpleName":       ifaceSimple,
		"interfaceClass.packageName":      ifacePkg,
	}
}

// splitClassName splits "a.b.C" into ("C", "a.b").
func splitClassName(name string) (simple, pkg string) {
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		return name[dot+1:], name[:dot]
	}
	return name, ""
}
