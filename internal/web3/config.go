package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions 是链清单文件（configs/chain.yaml）的结构。
// 清单列出托管进程可以把已授权操作派发到的全部网络。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述一条链的接入端点。
// RPCURL 是派发通道，必填；WSURL 只服务事件订阅，缺省时订阅不可用；
// BatchRPCURL 给批量提交单独的端点，缺省时批量复用 RPCURL。
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	WSURL       string `yaml:"ws_url"`
	BatchRPCURL string `yaml:"batch_rpc_url"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions 加载并校验链清单。
// 路径为空表示不用清单（调用方会退回单链配置），返回空集合。
// 清单里的坏条目在加载时报错，而不是等到第一次派发才发现。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链清单失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链清单失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}

	normalized := make(map[string]ChainDefinition, len(defs.Chains))
	for name, chain := range defs.Chains {
		key := strings.TrimSpace(name)
		if key == "" {
			return ChainDefinitions{}, fmt.Errorf("链清单存在空名称条目")
		}
		chain.Type = strings.ToLower(strings.TrimSpace(chain.Type))
		if chain.Type == "" {
			chain.Type = "evm"
		}
		if strings.TrimSpace(chain.RPCURL) == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", key)
		}
		normalized[key] = chain
	}
	defs.Chains = normalized
	return defs, nil
}
