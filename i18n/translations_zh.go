package i18n

// translationsZH 简体中文翻译
var translationsZH = map[string]string{
	// 周期描述
	"period.daily":   "每日周期：%s",
	"period.weekly":  "每周周期：%s～%s",
	"period.monthly": "每月周期：%s～%s",
	"period.yearly":  "每年周期：%s～%s",

	// 占位符替换标记
	"marker.calc_error":        "[计算错误]",
	"marker.chart_unavailable": "[图表不可用]",
	"marker.unresolved":        "[未解析: %s]",

	// 报告流水线
	"pipeline.template_not_found":  "报告模板不存在：%s",
	"pipeline.schema_failed":       "数据源结构获取失败：%s",
	"pipeline.not_ready":           "模板分析未达到就绪阈值（%.0f%% < %.0f%%）",
	"pipeline.cancelled":           "报告生成已取消",
	"pipeline.phase1_done":         "分析阶段完成：%d/%d 个占位符已解析",
	"pipeline.phase2_done":         "执行阶段完成：生成 %d 个图表",

	// 数据源
	"datasource.not_found":   "数据源不存在：%s",
	"datasource.unsupported": "不支持的数据源类型：%s",
}
