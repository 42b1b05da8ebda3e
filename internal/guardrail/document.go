package guardrail

import (
	"fmt"
	"strings"
	"time"

	"GuardSign-Chain/internal/chain"

	"github.com/ethereum/go-ethereum/common"
)

// Document 是护栏策略的 JSON 传输/持久化形态，金额使用原生单位的十进制字符串。
type Document struct {
	AllowedChains       []string `json:"allowed_chains"`
	AllowedDestinations []string `json:"allowed_destinations"`
	MaxValuePerTx       string   `json:"max_value_per_tx,omitempty"`
	DailySpendLimit     string   `json:"daily_spend_limit,omitempty"`
	WindowSeconds       int64    `json:"window_seconds,omitempty"`

	RequireSimulationSuccess bool `json:"require_simulation_success,omitempty"`
}

// Policy 将文档转换为可评估的策略快照，并校验地址与金额格式。
func (d Document) Policy() (Policy, error) {
	policy := Policy{}

	for _, name := range d.AllowedChains {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		policy.AllowedChains = append(policy.AllowedChains, name)
	}

	for _, raw := range d.AllowedDestinations {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			return Policy{}, fmt.Errorf("目标地址 %q 不是合法的十六进制地址", raw)
		}
		policy.AllowedDestinations = append(policy.AllowedDestinations, common.HexToAddress(raw))
	}

	if strings.TrimSpace(d.MaxValuePerTx) != "" {
		wei, err := chain.ParseAmount(d.MaxValuePerTx)
		if err != nil {
			return Policy{}, fmt.Errorf("解析单笔上限失败: %w", err)
		}
		policy.MaxValuePerTx = wei
	}
	if strings.TrimSpace(d.DailySpendLimit) != "" {
		wei, err := chain.ParseAmount(d.DailySpendLimit)
		if err != nil {
			return Policy{}, fmt.Errorf("解析滚动支出上限失败: %w", err)
		}
		policy.DailySpendLimit = wei
	}
	if d.WindowSeconds > 0 {
		policy.Window = time.Duration(d.WindowSeconds) * time.Second
	}
	policy.RequireSimulationSuccess = d.RequireSimulationSuccess
	return policy, nil
}

// Snapshot 将策略导出为文档形态，供只读接口返回。
func Snapshot(p Policy) Document {
	doc := Document{
		AllowedChains:       append([]string(nil), p.AllowedChains...),
		AllowedDestinations: make([]string, 0, len(p.AllowedDestinations)),
	}
	for _, addr := range p.AllowedDestinations {
		doc.AllowedDestinations = append(doc.AllowedDestinations, addr.Hex())
	}
	if p.MaxValuePerTx != nil {
		doc.MaxValuePerTx = chain.FormatAmount(p.MaxValuePerTx)
	}
	if p.DailySpendLimit != nil {
		doc.DailySpendLimit = chain.FormatAmount(p.DailySpendLimit)
	}
	if p.Window > 0 {
		doc.WindowSeconds = int64(p.Window / time.Second)
	}
	doc.RequireSimulationSuccess = p.RequireSimulationSuccess
	return doc
}
