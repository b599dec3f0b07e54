package domain

// =============================================================================
// Analysis Result Types
// =============================================================================

// AnalysisResult is the validated payload returned by the scoring backend.
// CitationAnalysis and KnowledgeGraph are always non-nil once validated;
// their nested fields may be partially populated.
type AnalysisResult struct {
	CitationAnalysis *CitationAnalysis `json:"citationAnalysis"`
	KnowledgeGraph   *KnowledgeGraph   `json:"knowledgeGraph"`
}

// CitationAnalysis scores how likely generative engines are to cite the content
type CitationAnalysis struct {
	OverallScore        float64            `json:"overallScore"`
	CitationProbability float64            `json:"citationProbability"`
	Metrics             CitationMetrics    `json:"metrics"`
	Recommendations     []Recommendation   `json:"recommendations,omitempty"`
	RankingFactors      map[string]float64 `json:"rankingFactors,omitempty"`
}

// CitationMetrics holds the individual citation signals (0-100)
type CitationMetrics struct {
	Authority     float64 `json:"authority"`
	Relevance     float64 `json:"relevance"`
	Clarity       float64 `json:"clarity"`
	Structure     float64 `json:"structure"`
	Freshness     float64 `json:"freshness"`
	FactualDepth  float64 `json:"factualDepth"`
	SourceQuality float64 `json:"sourceQuality"`
}

// Recommendation is a single suggested improvement
type Recommendation struct {
	Category    string `json:"category"`
	Priority    string `json:"priority"` // "high", "medium", "low"
	Title       string `json:"title"`
	Description string `json:"description"`
	Impact      string `json:"impact,omitempty"`
}

// KnowledgeGraph is the entity graph extracted from the content
type KnowledgeGraph struct {
	Nodes           []GraphNode      `json:"nodes"`
	Links           []GraphLink      `json:"links"`
	EntityCoverage  float64          `json:"entityCoverage"`
	TopicDensity    float64          `json:"topicDensity"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// GraphNode is an entity in the knowledge graph
type GraphNode struct {
	ID       string  `json:"id"`
	Label    string  `json:"label"`
	Type     string  `json:"type"`
	Weight   float64 `json:"weight"`
	Mentions int     `json:"mentions,omitempty"`
}

// GraphLink is a relation between two entities
type GraphLink struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Relation string  `json:"relation,omitempty"`
	Strength float64 `json:"strength"`
}

// AnalysisRequest is the body sent to the scoring backend
type AnalysisRequest struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
}

// FetchedContent is the fetch-content proxy response body
type FetchedContent struct {
	Content string `json:"content"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
}
