package vault

import "math/big"

// mulDivDown 计算 floor(a*b/den)。den 为零时返回零。
func mulDivDown(a, b, den *big.Int) *big.Int {
	if den == nil || den.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, b)
	return out.Div(out, den)
}

// mulDivUp 计算 ceil(a*b/den)。den 为零时返回零。
func mulDivUp(a, b, den *big.Int) *big.Int {
	if den == nil || den.Sign() == 0 {
		return new(big.Int)
	}
	prod := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(prod, den, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}
