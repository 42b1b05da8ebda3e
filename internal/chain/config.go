package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions 对应 configs/chains.yaml 的整体结构。
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition 描述单条链的接入信息。
type Definition struct {
	Type         string `yaml:"type"`
	ChainID      int64  `yaml:"chain_id"`
	RPCURL       string `yaml:"rpc_url"`
	BatchRPCURL  string `yaml:"batch_rpc_url"`
	ExplorerBase string `yaml:"explorer_base"`
	NativeSymbol string `yaml:"native_symbol"`
	Description  string `yaml:"description"`
}

// LoadDefinitions 解析链配置 YAML 文件。
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

// ExplorerTxURL 拼接区块浏览器的交易链接。未配置浏览器时返回空串。
func (d Definition) ExplorerTxURL(hash string) string {
	base := strings.TrimRight(strings.TrimSpace(d.ExplorerBase), "/")
	if base == "" || hash == "" {
		return ""
	}
	return base + "/tx/" + hash
}
