package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

// nativeDecimals 是 EVM 链原生单位的小数位数。
const nativeDecimals = 18

var weiPerNative = new(big.Int).SetUint64(params.Ether)

// ParseAmount 将原生单位的十进制字符串（如 "0.001"）精确换算为 wei。
// 全程使用整数运算，避免浮点精度损失。
func ParseAmount(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("金额不能为空")
	}
	if strings.HasPrefix(value, "-") {
		return nil, fmt.Errorf("金额不能为负数: %s", value)
	}
	if strings.HasPrefix(value, "+") {
		value = value[1:]
	}

	whole := value
	frac := ""
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		whole = value[:idx]
		frac = value[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > nativeDecimals {
		return nil, fmt.Errorf("金额 %s 的小数位超过 %d 位", value, nativeDecimals)
	}
	frac = frac + strings.Repeat("0", nativeDecimals-len(frac))

	wholeInt, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("金额 %s 不是合法的十进制数", value)
	}
	fracInt := big.NewInt(0)
	if frac != "" {
		fracInt, ok = new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fmt.Errorf("金额 %s 不是合法的十进制数", value)
		}
	}

	wei := new(big.Int).Mul(wholeInt, weiPerNative)
	wei.Add(wei, fracInt)
	return wei, nil
}

// FormatAmount 将 wei 换算回原生单位的十进制字符串，去掉多余的尾零。
func FormatAmount(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}
	quo, rem := new(big.Int).QuoRem(wei, weiPerNative, new(big.Int))
	if rem.Sign() == 0 {
		return quo.String()
	}
	frac := strings.TrimRight(fmt.Sprintf("%018s", rem.String()), "0")
	return quo.String() + "." + frac
}
