package web3

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeChainManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入链清单失败: %v", err)
	}
	return path
}

func TestLoadChainDefinitionsNormalizes(t *testing.T) {
	path := writeChainManifest(t, `
chains:
  ethereum:
    type: " EVM "
    rpc_url: https://rpc.example.org
    ws_url: wss://rpc.example.org
  "  polygon  ":
    rpc_url: https://polygon.example.org
`)
	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("加载链清单失败: %v", err)
	}
	if len(defs.Chains) != 2 {
		t.Fatalf("链数量错误: %d", len(defs.Chains))
	}
	if defs.Chains["ethereum"].Type != "evm" {
		t.Fatalf("链类型未归一化: %q", defs.Chains["ethereum"].Type)
	}
	polygon, ok := defs.Chains["polygon"]
	if !ok || polygon.Type != "evm" {
		t.Fatalf("链名称未裁剪或类型缺省错误: %+v", defs.Chains)
	}
}

func TestLoadChainDefinitionsRejectsMissingRPC(t *testing.T) {
	path := writeChainManifest(t, `
chains:
  ethereum:
    ws_url: wss://rpc.example.org
`)
	if _, err := LoadChainDefinitions(path); err == nil || !strings.Contains(err.Error(), "rpc_url") {
		t.Fatalf("缺少 rpc_url 应在加载时报错, got %v", err)
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("   ")
	if err != nil {
		t.Fatalf("空路径应返回空集合: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("空路径结果错误: %+v", defs)
	}
}
