package governance

import (
	"context"
	"testing"
)

func TestDefaultPolicyEngine_Evaluate(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	ctx := context.Background()

	// Test Allow (Default)
	res1, err := engine.Evaluate(ctx, Request{Tool: "search", Operation: "search"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res1.Effect != EffectAllow {
		t.Errorf("Expected EffectAllow, got %s", res1.Effect)
	}

	// Test Deny
	engine.DenyTool("shell")
	res2, err := engine.Evaluate(ctx, Request{Tool: "shell", Operation: "run"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res2.Effect != EffectDeny {
		t.Errorf("Expected EffectDeny, got %s", res2.Effect)
	}
}

func TestDefaultPolicyEngine_DenyOperation(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	engine.DenyOperation("filesystem", "delete")
	ctx := context.Background()

	res, _ := engine.Evaluate(ctx, Request{Tool: "filesystem", Operation: "delete"})
	if res.Effect != EffectDeny {
		t.Errorf("Expected delete to be denied, got %s", res.Effect)
	}

	res, _ = engine.Evaluate(ctx, Request{Tool: "filesystem", Operation: "read"})
	if res.Effect != EffectAllow {
		t.Errorf("Expected read to be allowed, got %s", res.Effect)
	}
}

func TestSafePolicyEngine_BlocksDestructiveArguments(t *testing.T) {
	engine := NewSafePolicyEngine()
	ctx := context.Background()

	res, _ := engine.Evaluate(ctx, Request{Tool: "shell", Operation: "run", Arguments: `{"command":"rm -rf /"}`})
	if res.Effect != EffectDeny {
		t.Errorf("Expected rm -rf to be denied, got %s", res.Effect)
	}

	res, _ = engine.Evaluate(ctx, Request{Tool: "shell", Operation: "run", Arguments: `{"command":"ls -la"}`})
	if res.Effect != EffectAllow {
		t.Errorf("Expected ls to be allowed, got %s", res.Effect)
	}

	if err := engine.DenyArguments("("); err == nil {
		t.Error("Expected invalid pattern to be rejected")
	}
}

func TestDefaultPolicyEngine_FirstRuleWins(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	engine.Deny("browser.screenshot")
	engine.Deny("browser")
	ctx := context.Background()

	res, _ := engine.Evaluate(ctx, Request{Tool: "browser", Operation: "screenshot"})
	if res.Effect != EffectDeny || res.Reason != "browser.screenshot is disabled" {
		t.Errorf("screenshot = %+v", res)
	}
	res, _ = engine.Evaluate(ctx, Request{Tool: "browser", Operation: "navigate"})
	if res.Effect != EffectDeny || res.Reason != "tool browser is disabled" {
		t.Errorf("navigate = %+v", res)
	}
}
