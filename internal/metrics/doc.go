/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、任务生命周期、
Agent、集群成员、遥测事件与数据库六个维度。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等向量指标，
    按业务域分组管理。Record* / Set* 方法对 nil 接收者安全。

# 使用方式

NewCollector 注册到默认 Registerer；NewCollectorWithRegisterer 允许
测试或嵌入方使用独立的 prometheus.Registry。
*/
package metrics
