package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"GuardSign-Chain/internal/chain"
	"GuardSign-Chain/internal/chain/ethereum"
	"GuardSign-Chain/internal/config"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]chain.Client
	definitions  map[string]chain.Definition
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.ChainsConfig) (*Registry, error) {
	defs, err := chain.LoadDefinitions(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]chain.Client)
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:        name,
				ChainID:     def.ChainID,
				RPCURL:      def.RPCURL,
				BatchRPCURL: def.BatchRPCURL,
				Notes:       def.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{
		defaultChain: defaultChain,
		clients:      clients,
		definitions:  defs.Chains,
	}, nil
}

// NewStaticRegistry 直接注入客户端与定义，主要用于测试。
func NewStaticRegistry(defaultChain string, clients map[string]chain.Client, defs map[string]chain.Definition) *Registry {
	if clients == nil {
		clients = map[string]chain.Client{}
	}
	if defs == nil {
		defs = map[string]chain.Definition{}
	}
	return &Registry{defaultChain: defaultChain, clients: clients, definitions: defs}
}

// DefaultChain returns the name of the chain configured as default.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (chain.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Definition returns the static definition for the named chain.
func (r *Registry) Definition(name string) (chain.Definition, bool) {
	if r == nil {
		return chain.Definition{}, false
	}
	def, ok := r.definitions[name]
	return def, ok
}

// Has reports whether a chain with the given name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Client(name)
	return ok
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}
