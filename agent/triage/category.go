package triage

// Category 分类类别
type Category string

const (
	CategoryBilling    Category = "billing"
	CategorySupport    Category = "support"
	CategorySales      Category = "sales"
	CategoryTechnical  Category = "technical"
	CategoryRefund     Category = "refund"
	CategoryGeneral    Category = "general"
	CategoryEscalation Category = "escalation"
	CategoryUnknown    Category = "unknown"
)

// Categories 全部类别，顺序即平票时的优先顺序
var Categories = []Category{
	CategoryBilling,
	CategorySupport,
	CategorySales,
	CategoryTechnical,
	CategoryRefund,
	CategoryGeneral,
	CategoryEscalation,
	CategoryUnknown,
}

// Valid 是否属于类别集合
func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// DefaultKeywords 默认关键词表
func DefaultKeywords() map[Category][]string {
	return map[Category][]string{
		CategoryBilling:    {"invoice", "bill", "billing", "payment", "charge", "subscription", "receipt", "credit card"},
		CategorySupport:    {"help", "support", "how do i", "how to", "question", "problem", "issue", "account"},
		CategorySales:      {"buy", "purchase", "price", "pricing", "quote", "demo", "plan", "upgrade"},
		CategoryTechnical:  {"error", "bug", "crash", "not working", "broken", "api", "install", "configure"},
		CategoryRefund:     {"refund", "money back", "return", "cancel order", "reimburse"},
		CategoryGeneral:    {"hello", "hi", "thanks", "information", "hours"},
		CategoryEscalation: {"manager", "supervisor", "escalate", "complaint", "lawyer", "unacceptable"},
	}
}

// Strategy 分类策略
type Strategy string

const (
	StrategyKeyword    Strategy = "keyword"
	StrategyIntent     Strategy = "intent"
	StrategyCapability Strategy = "capability"
	StrategyLLM        Strategy = "llm"
	StrategyHybrid     Strategy = "hybrid"
)
