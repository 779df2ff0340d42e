package monitoring

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"agent-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// Fallback rates, used until the Pricing API answers (us-east-1 Fargate).
const (
	defaultVCPUHourUSD = 0.04048
	defaultGBHourUSD   = 0.004445
	defaultInvokeUSD   = 0.003 // flat managed-runtime invoke estimate
	taskVCPU           = 0.5
	taskMemoryGB       = 1.0
)

// CostTracker estimates per-test cost from execution time and refreshed
// Fargate rates.
type CostTracker struct {
	client   *pricing.Client
	mu       sync.RWMutex
	vcpuRate float64
	gbRate   float64
	interval time.Duration
}

// NewCostTracker creates a cost tracker. The pricing client may be nil in
// tests; defaults then apply forever.
func NewCostTracker(cfg aws.Config) *CostTracker {
	ct := &CostTracker{
		vcpuRate: defaultVCPUHourUSD,
		gbRate:   defaultGBHourUSD,
		interval: time.Hour,
	}
	if cfg.Region != "" {
		ct.client = pricing.NewFromConfig(cfg)
	}
	return ct
}

// Start refreshes rates periodically from the AWS Pricing API
func (ct *CostTracker) Start(ctx context.Context) {
	if ct.client == nil {
		return
	}
	ticker := time.NewTicker(ct.interval)
	defer ticker.Stop()

	ct.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ct.refresh(ctx)
		}
	}
}

// Estimate prices one execution
func (ct *CostTracker) Estimate(executionMs int64, provider models.Provider) float64 {
	if provider == models.ProviderManagedRuntime {
		return defaultInvokeUSD
	}

	ct.mu.RLock()
	vcpu, gb := ct.vcpuRate, ct.gbRate
	ct.mu.RUnlock()

	hours := float64(executionMs) / 1000 / 3600
	return hours * (vcpu*taskVCPU + gb*taskMemoryGB)
}

func (ct *CostTracker) refresh(ctx context.Context) {
	out, err := ct.client.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonECS"),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("productFamily"), Value: aws.String("Compute")},
		},
		MaxResults: aws.Int32(50),
	})
	if err != nil {
		log.Printf("Pricing refresh failed, keeping current Fargate rates: %v", err)
		return
	}

	for _, priceJSON := range out.PriceList {
		var product map[string]interface{}
		if err := json.Unmarshal([]byte(priceJSON), &product); err != nil {
			continue
		}
		attrs, _ := product["product"].(map[string]interface{})
		attributes, _ := attrs["attributes"].(map[string]interface{})
		usageType, _ := attributes["usagetype"].(string)

		rate, ok := onDemandRate(product)
		if !ok {
			continue
		}

		ct.mu.Lock()
		switch {
		case strings.Contains(usageType, "vCPU"):
			ct.vcpuRate = rate
		case strings.Contains(usageType, "GB"):
			ct.gbRate = rate
		}
		ct.mu.Unlock()
	}
}

// onDemandRate digs the USD price out of a Pricing API product document
func onDemandRate(product map[string]interface{}) (float64, bool) {
	terms, _ := product["terms"].(map[string]interface{})
	onDemand, _ := terms["OnDemand"].(map[string]interface{})
	for _, term := range onDemand {
		t, _ := term.(map[string]interface{})
		dimensions, _ := t["priceDimensions"].(map[string]interface{})
		for _, dim := range dimensions {
			d, _ := dim.(map[string]interface{})
			price, _ := d["pricePerUnit"].(map[string]interface{})
			usd, _ := price["USD"].(string)
			if rate, err := strconv.ParseFloat(usd, 64); err == nil && rate > 0 {
				return rate, true
			}
		}
	}
	return 0, false
}
