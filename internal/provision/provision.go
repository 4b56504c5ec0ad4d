package provision

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"AgentCustody/internal/account"
	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/executor"
	"AgentCustody/internal/identity"
	"AgentCustody/internal/vault"
)

// 预置子系统注册的错误码。
const (
	CodeManifestInvalid xerrors.Code = "PROVISION_MANIFEST_INVALID"
)

func init() {
	xerrors.Register(CodeManifestInvalid, xerrors.Attributes{
		Message:  "启动清单不合法",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryInternal,
	})
}

// AccountManifest 是账户启动清单的 YAML 结构。
type AccountManifest struct {
	Accounts []AccountEntry `yaml:"accounts"`
}

// AccountEntry 描述一个托管账户及其初始策略。
type AccountEntry struct {
	ID     string `yaml:"id"`
	Wallet string `yaml:"wallet"`
	Owner  string `yaml:"owner"`
	Admin  string `yaml:"admin"`
	Signer string `yaml:"signer"`
	Policy struct {
		DailyLimit            string `yaml:"daily_limit"`
		ExpiresAt             int64  `yaml:"expires_at"`
		RequiresApprovalAbove string `yaml:"requires_approval_above"`
	} `yaml:"policy"`
	AllowedTargets []string          `yaml:"allowed_targets"`
	AllowedTokens  []string          `yaml:"allowed_tokens"`
	Schemas        map[string]string `yaml:"schemas"`
	CommitmentRoot string            `yaml:"commitment_root"`
}

// VaultManifest 是托管池启动清单的 YAML 结构。
type VaultManifest struct {
	Vaults []VaultEntry `yaml:"vaults"`
}

// VaultEntry 描述一个托管池及其提取限制。
type VaultEntry struct {
	AgentID              string   `yaml:"agent_id"`
	Owner                string   `yaml:"owner"`
	VestingDuration      int64    `yaml:"vesting_duration"`
	PullDailyCap         string   `yaml:"pull_daily_cap"`
	PullAllowlistEnabled bool     `yaml:"pull_allowlist_enabled"`
	PullAllowlist        []string `yaml:"pull_allowlist"`
}

// KeyManifest 是执行器签名私钥清单的 YAML 结构。
// 私钥以十六进制（可带 0x 前缀）给出，按账户标识索引。
type KeyManifest struct {
	Keys map[string]string `yaml:"keys"`
}

// LoadAccounts 解析账户清单并构造账户集合。
// 清单中的白名单与策略通过所有者入口写入，复用同一套权限检查。
func LoadAccounts(path string) ([]*account.Account, error) {
	var manifest AccountManifest
	if err := readYAML(path, &manifest); err != nil {
		return nil, err
	}

	accounts := make([]*account.Account, 0, len(manifest.Accounts))
	for _, entry := range manifest.Accounts {
		if strings.TrimSpace(entry.ID) == "" {
			return nil, xerrors.New(CodeManifestInvalid, "账户清单缺少 id")
		}
		owner := common.HexToAddress(entry.Owner)
		acct := account.New(entry.ID,
			common.HexToAddress(entry.Wallet),
			owner,
			common.HexToAddress(entry.Admin),
			common.HexToAddress(entry.Signer),
		)

		policy := account.Policy{ExpiresAt: entry.Policy.ExpiresAt}
		if entry.Policy.DailyLimit != "" {
			limit, err := parseAmount(entry.Policy.DailyLimit)
			if err != nil {
				return nil, xerrors.Wrap(CodeManifestInvalid, err, fmt.Sprintf("账户 %s 的 daily_limit 不合法", entry.ID))
			}
			policy.DailyLimit = limit
		}
		if entry.Policy.RequiresApprovalAbove != "" {
			threshold, err := parseAmount(entry.Policy.RequiresApprovalAbove)
			if err != nil {
				return nil, xerrors.Wrap(CodeManifestInvalid, err, fmt.Sprintf("账户 %s 的 requires_approval_above 不合法", entry.ID))
			}
			policy.RequiresApprovalAbove = threshold
		}
		if err := acct.SetPolicy(owner, policy); err != nil {
			return nil, err
		}

		for _, target := range entry.AllowedTargets {
			if err := acct.SetTargetAllowed(owner, common.HexToAddress(target), true); err != nil {
				return nil, err
			}
		}
		for _, token := range entry.AllowedTokens {
			if err := acct.SetTokenAllowed(owner, common.HexToAddress(token), true); err != nil {
				return nil, err
			}
		}
		for target, ref := range entry.Schemas {
			if err := acct.SetSchema(owner, common.HexToAddress(target), ref); err != nil {
				return nil, err
			}
		}
		if entry.CommitmentRoot != "" {
			if err := acct.SetCommitmentRoot(common.HexToAddress(entry.Admin), common.HexToHash(entry.CommitmentRoot)); err != nil {
				return nil, err
			}
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// LoadVaults 解析托管池清单并构造池集合，按智能体标识索引。
func LoadVaults(path string, resolver identity.Resolver) (map[string]*vault.Vault, error) {
	var manifest VaultManifest
	if err := readYAML(path, &manifest); err != nil {
		return nil, err
	}

	vaults := make(map[string]*vault.Vault, len(manifest.Vaults))
	for _, entry := range manifest.Vaults {
		if strings.TrimSpace(entry.AgentID) == "" {
			return nil, xerrors.New(CodeManifestInvalid, "托管池清单缺少 agent_id")
		}
		cfg := vault.Config{
			AgentID:              entry.AgentID,
			Owner:                common.HexToAddress(entry.Owner),
			VestingDuration:      entry.VestingDuration,
			PullAllowlistEnabled: entry.PullAllowlistEnabled,
		}
		if entry.PullDailyCap != "" {
			dailyCap, err := parseAmount(entry.PullDailyCap)
			if err != nil {
				return nil, xerrors.Wrap(CodeManifestInvalid, err, fmt.Sprintf("托管池 %s 的 pull_daily_cap 不合法", entry.AgentID))
			}
			cfg.PullDailyCap = dailyCap
		}
		v, err := vault.New(cfg, resolver)
		if err != nil {
			return nil, err
		}
		for _, target := range entry.PullAllowlist {
			if err := v.SetPullTargetAllowed(cfg.Owner, common.HexToAddress(target), true); err != nil {
				return nil, err
			}
		}
		vaults[entry.AgentID] = v
	}
	return vaults, nil
}

// LoadKeys 解析执行器私钥清单。
func LoadKeys(path string) (executor.StaticKeys, error) {
	var manifest KeyManifest
	if err := readYAML(path, &manifest); err != nil {
		return nil, err
	}

	keys := make(executor.StaticKeys, len(manifest.Keys))
	for accountID, hexKey := range manifest.Keys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, xerrors.Wrap(CodeManifestInvalid, err, fmt.Sprintf("账户 %s 的私钥不合法", accountID))
		}
		keys[accountID] = key
	}
	return keys, nil
}

func readYAML(path string, out any) error {
	if strings.TrimSpace(path) == "" {
		return xerrors.New(CodeManifestInvalid, "清单路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrap(CodeManifestInvalid, err, fmt.Sprintf("读取清单 %s 失败", path))
	}
	if err := yaml.Unmarshal(content, out); err != nil {
		return xerrors.Wrap(CodeManifestInvalid, err, fmt.Sprintf("解析清单 %s 失败", path))
	}
	return nil
}

func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("金额 %q 不是十进制整数", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("金额 %q 不能为负", value)
	}
	return amount, nil
}
