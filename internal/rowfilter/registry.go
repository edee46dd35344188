// Copyright 2025 Celine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package rowfilter

import (
	"encoding/json"
	"fmt"

	"github.com/celine-io/dataset-gateway/internal/util"
)

// pluginCatalogue holds optional handlers registered at init time. They only
// become active when named in the deployment's enabled plugin list.
var pluginCatalogue = make(map[string]func() Handler)

// RegisterPlugin adds an optional handler factory under name. It is meant to
// be called from the init func of plugin packages; registering the same name
// twice is a bug in the plugin set and panics.
func RegisterPlugin(name string, factory func() Handler) {
	if _, ok := pluginCatalogue[name]; ok {
		panic(fmt.Sprintf("row filter plugin %q registered twice", name))
	}
	pluginCatalogue[name] = factory
}

// Registry maps handler names to handlers. Built-in handlers are always
// present; plugins join only when enabled by configuration.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry holding the built-in handlers plus the named
// plugins. Naming an unregistered plugin is a configuration error.
func NewRegistry(enabledPlugins []string) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range []Handler{
		&DirectUserMatch{},
		NewHTTPInList(nil),
		&TablePointer{},
	} {
		r.handlers[h.Name()] = h
	}
	for _, name := range enabledPlugins {
		factory, ok := pluginCatalogue[name]
		if !ok {
			return nil, util.NewError(util.KindConfigError, fmt.Sprintf("Unknown row filter plugin %q", name))
		}
		h := factory()
		if _, exists := r.handlers[h.Name()]; exists {
			return nil, util.NewError(util.KindConfigError, fmt.Sprintf("Row filter handler %q already registered", h.Name()))
		}
		r.handlers[h.Name()] = h
	}
	return r, nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, util.NewError(util.KindConfigError, fmt.Sprintf("Unknown row filter handler %q", name))
	}
	return h, nil
}

// Names lists the registered handler names, for startup logging.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

// canonicalArgs renders args deterministically for cache keys. Go's JSON
// encoder sorts map keys, which is exactly the stability needed here.
func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}
