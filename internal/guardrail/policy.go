package guardrail

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"GuardSign-Chain/internal/chain"
	xerrors "GuardSign-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultWindow 是滚动支出窗口的默认长度。
const DefaultWindow = 24 * time.Hour

// Rule 标识护栏的某一条具体规则。
type Rule string

const (
	RuleChain       Rule = "chain"
	RuleDestination Rule = "destination"
	RulePerTxLimit  Rule = "per_tx_limit"
	RuleDailyLimit  Rule = "daily_limit"
)

// CodeDenied 表示交易被护栏策略拒绝。这是预期内的用户可见结果，不告警。
const CodeDenied xerrors.Code = "GUARDRAIL_DENIED"

func init() {
	xerrors.Register(CodeDenied, xerrors.Attributes{
		Message:   "transaction denied by guardrail policy",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Policy 是一次评估所使用的不可变护栏快照。
// 空的链集合或目标集合表示不作限制；nil 的金额上限表示不设上限。
type Policy struct {
	AllowedChains       []string
	AllowedDestinations []common.Address
	MaxValuePerTx       *big.Int
	DailySpendLimit     *big.Int
	Window              time.Duration

	// RequireSimulationSuccess 为 true 时，模拟失败或 revert 会阻断广播。
	// 它不参与 Evaluate：模拟发生在签名之后，由编排器单独判定。
	RequireSimulationSuccess bool
}

// WindowOrDefault 返回策略的滚动窗口，未配置时使用 24 小时。
func (p Policy) WindowOrDefault() time.Duration {
	if p.Window <= 0 {
		return DefaultWindow
	}
	return p.Window
}

// Check 是待评估交易的最小视图。
type Check struct {
	Chain       string
	Destination common.Address
	ValueWei    *big.Int
}

// Decision 是一次护栏评估的结果。
type Decision struct {
	Allowed bool
	Rule    Rule
	Reason  string
}

// Deny 将拒绝结果包装为统一错误。
func (d Decision) Deny() error {
	if d.Allowed {
		return nil
	}
	return xerrors.New(CodeDenied, d.Reason, xerrors.WithMetadata("rule", string(d.Rule)))
}

// Evaluate 按固定顺序评估四条规则，首条失败即返回，以给出最明确的拒绝原因。
// 函数是纯函数：不读写任何外部状态，相同输入必得相同结果。
func Evaluate(check Check, policy Policy, recentSpend *big.Int) Decision {
	if len(policy.AllowedChains) > 0 && !containsChain(policy.AllowedChains, check.Chain) {
		return Decision{
			Rule:   RuleChain,
			Reason: fmt.Sprintf("chain %q is not permitted by policy", check.Chain),
		}
	}

	if len(policy.AllowedDestinations) > 0 && !containsAddress(policy.AllowedDestinations, check.Destination) {
		return Decision{
			Rule:   RuleDestination,
			Reason: fmt.Sprintf("destination %s is not permitted by policy", check.Destination.Hex()),
		}
	}

	value := check.ValueWei
	if value == nil {
		value = new(big.Int)
	}

	if policy.MaxValuePerTx != nil && value.Cmp(policy.MaxValuePerTx) > 0 {
		return Decision{
			Rule: RulePerTxLimit,
			Reason: fmt.Sprintf("value %s exceeds per-transaction limit %s",
				chain.FormatAmount(value), chain.FormatAmount(policy.MaxValuePerTx)),
		}
	}

	if policy.DailySpendLimit != nil {
		spent := recentSpend
		if spent == nil {
			spent = new(big.Int)
		}
		projected := new(big.Int).Add(spent, value)
		if projected.Cmp(policy.DailySpendLimit) > 0 {
			return Decision{
				Rule: RuleDailyLimit,
				Reason: fmt.Sprintf("daily limit %s would be exceeded: %s already spent in window, %s requested",
					chain.FormatAmount(policy.DailySpendLimit), chain.FormatAmount(spent), chain.FormatAmount(value)),
			}
		}
	}

	return Decision{Allowed: true}
}

func containsChain(chains []string, name string) bool {
	for _, c := range chains {
		if strings.EqualFold(strings.TrimSpace(c), name) {
			return true
		}
	}
	return false
}

func containsAddress(addrs []common.Address, target common.Address) bool {
	for _, addr := range addrs {
		if addr == target {
			return true
		}
	}
	return false
}
